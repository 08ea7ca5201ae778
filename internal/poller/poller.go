// Package poller implements the Poller of spec.md §4.2/§5: a
// reugn/go-quartz scheduled job that, once per PollingInterval, enumerates
// every tracked image/chart whose policy accepts polling-sourced events,
// resolves the best candidate via the Registry Clients and the Policy
// Engine's SelectBest, and republishes it onto the shared events.Bus tagged
// events.SourcePoller. Bounded concurrency and the single-flight-per-cycle
// guard are grounded on the teacher's
// internal/cmd/controller/imagescan/tagscan_job.go (`sem.TryAcquire(1)`),
// generalized here to bound the number of concurrent registry calls within
// one cycle rather than the number of concurrent cycles.
package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/reugn/go-quartz/quartz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/headwind-sh/headwind/internal/controller/engine"
	"github.com/headwind-sh/headwind/internal/events"
	"github.com/headwind-sh/headwind/internal/imageref"
	"github.com/headwind-sh/headwind/internal/metrics"
	"github.com/headwind-sh/headwind/internal/policy"
	"github.com/headwind-sh/headwind/internal/registry"
)

// defaultWorkerPoolSize is spec.md §5's "≤16 concurrent registry calls
// across one poll cycle" default.
const defaultWorkerPoolSize = 16

// registryCallTimeout is spec.md §5's explicit per-call deadline for
// registry/chart-repository calls.
const registryCallTimeout = 10 * time.Second

// ImageSource supplies the images one workload-kind engine is tracking.
type ImageSource interface {
	PollTargets() []engine.PollTarget
}

// ChartSource supplies the charts the HelmRelease engine is tracking.
type ChartSource interface {
	ChartPollTargets() []engine.ChartPollTarget
}

// OCIClient is the subset of registry.OCIClient the poller needs; declared
// here (rather than embedding the concrete type) so tests can substitute a
// fake without a live registry, matching the teacher's own preference for
// narrow consumer-defined interfaces.
type OCIClient interface {
	ListTags(ctx context.Context, imageRef string, auth authn.Authenticator) ([]string, error)
	ResolveDigest(ctx context.Context, imageRef, tag string, auth authn.Authenticator) (string, error)
}

// HelmClient is the subset of registry.HelmClient the poller needs.
type HelmClient interface {
	ListChartVersions(ctx context.Context, repoRef, chartName string, auth authn.Authenticator) ([]string, error)
}

// Poller runs one scheduled job per cycle across every registered source.
type Poller struct {
	Bus          *events.Bus
	ImageSources []ImageSource
	ChartSources []ChartSource

	Client      client.Client
	OCI         OCIClient
	Helm        HelmClient
	Credentials *registry.CredentialResolver

	Interval       time.Duration
	WorkerPoolSize int

	scheduler quartz.Scheduler
	sem       *semaphore.Weighted

	// digests remembers the last digest resolved for the currently-pinned
	// tag of each (namespace,name,container), so a same-tag rebuild
	// (spec.md §4.3 check (i)) can be detected across cycles. Keyed by
	// "namespace/name/container".
	digests sync.Map
}

// pollCycleJob adapts Poller.runCycle to the quartz.Job interface, in the
// shape of the teacher's TagScanJob/helmPollingJob: a single-flight guard
// via a weight-1 semaphore plus Execute/Description methods.
type pollCycleJob struct {
	sem    *semaphore.Weighted
	poller *Poller
}

func newPollCycleJob(p *Poller) *pollCycleJob {
	return &pollCycleJob{sem: semaphore.NewWeighted(1), poller: p}
}

func (j *pollCycleJob) Execute(ctx context.Context) error {
	if !j.sem.TryAcquire(1) {
		// previous cycle still running, skip this tick
		return nil
	}
	defer j.sem.Release(1)
	j.poller.runCycle(ctx)
	return nil
}

func (j *pollCycleJob) Description() string {
	return "headwind-poll-cycle"
}

// Start schedules the poll cycle job and blocks until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	poolSize := p.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}
	p.sem = semaphore.NewWeighted(int64(poolSize))

	p.scheduler = quartz.NewStdScheduler()
	p.scheduler.Start(ctx)

	job := newPollCycleJob(p)
	jobKey := quartz.NewJobKey(job.Description())
	if err := p.scheduler.ScheduleJob(quartz.NewJobDetail(job, jobKey), quartz.NewSimpleTrigger(p.Interval)); err != nil {
		return fmt.Errorf("poller: schedule job: %w", err)
	}

	<-ctx.Done()
	p.scheduler.Stop()
	return ctx.Err()
}

// RunCycleForTest runs a single poll cycle synchronously, bypassing the
// quartz scheduler Start sets up. It exists so tests can drive runCycle
// without waiting on a ticker.
func (p *Poller) RunCycleForTest(ctx context.Context) {
	if p.sem == nil {
		poolSize := p.WorkerPoolSize
		if poolSize <= 0 {
			poolSize = defaultWorkerPoolSize
		}
		p.sem = semaphore.NewWeighted(int64(poolSize))
	}
	p.runCycle(ctx)
}

// runCycle runs one pass across every source's poll targets, bounded to
// WorkerPoolSize concurrent registry calls.
func (p *Poller) runCycle(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("poller")
	start := time.Now()
	defer func() {
		metrics.PollCycleDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, src := range p.ImageSources {
		for _, target := range src.PollTargets() {
			target := target
			g.Go(func() error {
				if err := p.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer p.sem.Release(1)
				p.pollImage(gctx, logger, target)
				return nil
			})
		}
	}

	for _, src := range p.ChartSources {
		for _, target := range src.ChartPollTargets() {
			target := target
			g.Go(func() error {
				if err := p.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer p.sem.Release(1)
				p.pollChart(gctx, logger, target)
				return nil
			})
		}
	}

	_ = g.Wait()
}

func (p *Poller) pollImage(ctx context.Context, logger interface {
	Error(err error, msg string, kv ...interface{})
}, target engine.PollTarget) {
	ref, err := imageref.Parse(target.CurrentImage)
	if err != nil {
		return
	}

	var auth authn.Authenticator = authn.Anonymous
	if p.Credentials != nil {
		if resolved, err := p.Credentials.Resolve(ctx, target.NN.Namespace, "", ref.Registry); err == nil {
			auth = resolved
		}
	}

	// Check (i): digest re-resolution of the currently-pinned tag, to
	// detect a same-tag rebuild (spec.md §4.3).
	p.checkDigestRebuild(ctx, target, ref, auth)

	// Check (ii): tag enumeration + SelectBest, to detect a new version.
	listCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
	tags, err := p.OCI.ListTags(listCtx, ref.Canonical(), auth)
	cancel()
	if err != nil {
		metrics.RegistryCallsFailed.WithLabelValues(registryErrorKind(err)).Inc()
		return
	}

	best, ok := policy.SelectBest(target.Policy, ref.Tag, tags)
	if !ok {
		return
	}

	p.Bus.PublishImage(events.ImageEvent{
		Registry:   ref.Registry,
		Repository: ref.Repository,
		Tag:        best,
		Source:     events.SourcePoller,
		Observed:   time.Now(),
	})
}

// checkDigestRebuild resolves the digest currently published for ref's tag
// and compares it against the digest observed on the previous cycle for
// this (workload,container). A change with no tag change means the image
// was rebuilt and re-pushed under the same tag; that is reported as its own
// ImageEvent carrying Digest so a controller can re-apply the same tag
// (the merge-patch is then a no-op on the tag but still bumps history/
// health-watch via the digest).
func (p *Poller) checkDigestRebuild(ctx context.Context, target engine.PollTarget, ref imageref.Reference, auth authn.Authenticator) {
	resolveCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
	digest, err := p.OCI.ResolveDigest(resolveCtx, ref.Canonical(), ref.Tag, auth)
	cancel()
	if err != nil {
		metrics.RegistryCallsFailed.WithLabelValues(registryErrorKind(err)).Inc()
		return
	}

	key := target.NN.Namespace + "/" + target.NN.Name + "/" + target.Container
	prev, loaded := p.digests.Swap(key, digest)
	if !loaded {
		// first observation this process has made of this container; no
		// baseline to compare against yet.
		return
	}
	if prevDigest, _ := prev.(string); prevDigest == digest {
		return
	}

	p.Bus.PublishImage(events.ImageEvent{
		Registry:   ref.Registry,
		Repository: ref.Repository,
		Tag:        ref.Tag,
		Digest:     digest,
		Source:     events.SourcePoller,
		Observed:   time.Now(),
	})
}

func (p *Poller) pollChart(ctx context.Context, logger interface {
	Error(err error, msg string, kv ...interface{})
}, target engine.ChartPollTarget) {
	repoURL, err := p.resolveRepositoryURL(ctx, target.RepositoryRef)
	if err != nil {
		logger.Error(err, "resolve chart repository url", "repositoryRef", target.RepositoryRef)
		return
	}

	versionsCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
	versions, err := p.Helm.ListChartVersions(versionsCtx, repoURL, target.ChartName, authn.Anonymous)
	cancel()
	if err != nil {
		metrics.RegistryCallsFailed.WithLabelValues(registryErrorKind(err)).Inc()
		return
	}

	best, ok := policy.SelectBest(target.Policy, target.CurrentVersion, versions)
	if !ok {
		return
	}

	p.Bus.PublishChart(events.ChartEvent{
		RepositoryRef: target.RepositoryRef,
		ChartName:     target.ChartName,
		Version:       best,
		Source:        events.SourcePoller,
		Observed:      time.Now(),
	})
}

// resolveRepositoryURL turns a "Kind/namespace/name" RepositoryRef (built by
// internal/controller/helmrelease from a HelmRelease's sourceRef) into the
// Flux source object's advertised chart repository URL.
func (p *Poller) resolveRepositoryURL(ctx context.Context, repositoryRef string) (string, error) {
	parts := strings.SplitN(repositoryRef, "/", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("poller: malformed repositoryRef %q", repositoryRef)
	}
	kind, ns, name := parts[0], parts[1], parts[2]

	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(schema.GroupVersionKind{Group: "source.toolkit.fluxcd.io", Version: "v1beta2", Kind: kind})
	if err := p.Client.Get(ctx, types.NamespacedName{Namespace: ns, Name: name}, u); err != nil {
		return "", err
	}

	url, found, err := unstructured.NestedString(u.Object, "spec", "url")
	if err != nil || !found {
		return "", fmt.Errorf("poller: source %s/%s has no spec.url", ns, name)
	}
	return url, nil
}

func registryErrorKind(err error) string {
	return registry.KindOf(err).String()
}
