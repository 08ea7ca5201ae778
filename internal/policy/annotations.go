package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Annotation keys read from workloads, prefix headwind.sh/ per spec.md §6.
const (
	AnnotationPrefix = "headwind.sh/"

	AnnotationPolicy             = AnnotationPrefix + "policy"
	AnnotationPattern            = AnnotationPrefix + "pattern"
	AnnotationRequireApproval    = AnnotationPrefix + "require-approval"
	AnnotationMinUpdateInterval  = AnnotationPrefix + "min-update-interval"
	AnnotationImages             = AnnotationPrefix + "images"
	AnnotationEventSource        = AnnotationPrefix + "event-source"
	AnnotationPollingInterval    = AnnotationPrefix + "polling-interval"
	AnnotationAutoRollback       = AnnotationPrefix + "auto-rollback"
	AnnotationRollbackTimeout    = AnnotationPrefix + "rollback-timeout"
	AnnotationHealthCheckRetries = AnnotationPrefix + "health-check-retries"
	AnnotationLastUpdate         = AnnotationPrefix + "last-update"
	AnnotationUpdateHistory      = AnnotationPrefix + "update-history"
)

// ParseAnnotations builds a Policy from a workload's annotation map,
// defaulting unset fields per spec.md §3. On parse error it returns the
// zero Policy and the error; callers are expected to keep the previously
// cached valid Policy rather than overwrite it (spec.md §4.4 step 1).
func ParseAnnotations(annotations map[string]string) (Policy, error) {
	p := Default()

	if raw, ok := annotations[AnnotationPolicy]; ok && raw != "" {
		kind, pattern, err := parseKind(raw)
		if err != nil {
			return Policy{}, err
		}
		p.Kind = kind
		p.Pattern = pattern
	}

	if raw, ok := annotations[AnnotationPattern]; ok && raw != "" {
		p.Pattern = raw
	}
	if p.Kind == KindGlob && p.Pattern == "" {
		return Policy{}, fmt.Errorf("policy: glob policy requires a pattern (%s or %s=glob:<pattern>)", AnnotationPattern, AnnotationPolicy)
	}

	if raw, ok := annotations[AnnotationRequireApproval]; ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: invalid %s: %w", AnnotationRequireApproval, err)
		}
		p.RequireApproval = v
	}

	if raw, ok := annotations[AnnotationMinUpdateInterval]; ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: invalid %s: %w", AnnotationMinUpdateInterval, err)
		}
		p.MinUpdateInterval = d
	}

	if raw, ok := annotations[AnnotationImages]; ok && raw != "" {
		p.TrackedImages = map[string]struct{}{}
		for _, img := range strings.Split(raw, ",") {
			img = strings.TrimSpace(img)
			if img != "" {
				p.TrackedImages[img] = struct{}{}
			}
		}
	}

	if raw, ok := annotations[AnnotationEventSource]; ok && raw != "" {
		source, err := parseEventSource(raw)
		if err != nil {
			return Policy{}, err
		}
		p.EventSource = source
	}

	if raw, ok := annotations[AnnotationPollingInterval]; ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: invalid %s: %w", AnnotationPollingInterval, err)
		}
		p.PollingInterval = &d
	}

	if raw, ok := annotations[AnnotationAutoRollback]; ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: invalid %s: %w", AnnotationAutoRollback, err)
		}
		p.AutoRollback = v
	}

	if raw, ok := annotations[AnnotationRollbackTimeout]; ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: invalid %s: %w", AnnotationRollbackTimeout, err)
		}
		p.RollbackTimeout = d
	}

	if raw, ok := annotations[AnnotationHealthCheckRetries]; ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("policy: invalid %s: %w", AnnotationHealthCheckRetries, err)
		}
		p.HealthCheckRetries = n
	}

	return p, nil
}

// parseKind accepts either a bare kind ("minor") or a "glob:<pattern>" form,
// since spec.md lists Glob(pattern) as a single policy-kind value rather
// than always requiring the separate pattern annotation.
func parseKind(raw string) (Kind, string, error) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, "glob:") {
		return KindGlob, raw[len("glob:"):], nil
	}
	switch lower {
	case "none":
		return KindNone, "", nil
	case "patch":
		return KindPatch, "", nil
	case "minor":
		return KindMinor, "", nil
	case "major":
		return KindMajor, "", nil
	case "all":
		return KindAll, "", nil
	case "glob":
		return KindGlob, "", nil
	case "force":
		return KindForce, "", nil
	default:
		return "", "", fmt.Errorf("policy: unknown policy kind %q", raw)
	}
}

func parseEventSource(raw string) (EventSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "webhook":
		return SourceWebhook, nil
	case "polling":
		return SourcePolling, nil
	case "both":
		return SourceBoth, nil
	case "none":
		return SourceNone, nil
	default:
		return "", fmt.Errorf("policy: unknown event source %q", raw)
	}
}
