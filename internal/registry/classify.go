package registry

import (
	"errors"
	"net/http"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// classify turns a go-containerregistry transport error (or any other
// error) into one of the taxonomy Kinds from spec.md §4.2.
func classify(err error) *Error {
	if err == nil {
		return nil
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized:
			return newErr(KindAuthRequired, err)
		case http.StatusForbidden:
			return newErr(KindAuthFailed, err)
		case http.StatusNotFound:
			return newErr(KindNotFound, err)
		case http.StatusTooManyRequests:
			return newErr(KindRateLimited, err)
		}
		if terr.StatusCode >= 500 {
			return newErr(KindTransient, err)
		}
		return newErr(KindMalformedResponse, err)
	}

	var netErr interface{ Temporary() bool }
	if errors.As(err, &netErr) && netErr.Temporary() {
		return newErr(KindTransient, err)
	}

	return newErr(KindTransient, err)
}
