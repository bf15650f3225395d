package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	perrors "github.com/lumascan/lumascan/internal/platform/errors"
	"github.com/lumascan/lumascan/internal/platform/storage/live"
	"github.com/lumascan/lumascan/internal/platform/telemetry/metrics"
	grantsdomain "github.com/lumascan/lumascan/internal/services/grants/domain"
	recordsdomain "github.com/lumascan/lumascan/internal/services/records/domain"
	recordsstorage "github.com/lumascan/lumascan/internal/services/records/storage"
)

const subjectStreamRetryDelay = time.Second

var (
	// ErrSourcesNotConfigured indicates the service is missing store wiring.
	ErrSourcesNotConfigured = errors.New("review sources are not configured")
	// ErrEmptyReviewerID indicates a missing reviewer identity.
	ErrEmptyReviewerID = errors.New("reviewer id is required")
)

// RosterSource delivers the changing set of subjects authorizing a reviewer.
type RosterSource interface {
	WatchAuthorizedSubjects(ctx context.Context, reviewerID string) (<-chan grantsdomain.RosterUpdate, error)
}

// RecordSource delivers one subject's live record stream.
type RecordSource interface {
	WatchRecordsByOwner(ctx context.Context, ownerID string, limit int) (<-chan recordsstorage.RecordsUpdate, error)
}

// Warning reports an isolated per-subject stream failure. The subject's last
// known snapshot stays in the merged view while the stream is retried.
type Warning struct {
	SubjectID string
	Err       error
}

// Service opens live aggregated views over the authorization relation.
type Service struct {
	roster  RosterSource
	records RecordSource
	limit   int
}

// NewService constructs the aggregation use-case. limit bounds the records
// fetched per subject; non-positive values fall back to the record default.
func NewService(roster RosterSource, records RecordSource, limit int) *Service {
	if limit <= 0 {
		limit = recordsdomain.DefaultListLimit
	}
	return &Service{
		roster:  roster,
		records: records,
		limit:   limit,
	}
}

// Open starts a live aggregated view for one reviewer. The view follows the
// reviewer's roster, keeps exactly one record subscription per authorized
// subject, and re-merges on every delivered snapshot. ctx is typically the
// reviewer's session context so sign-out tears the view down.
func (s *Service) Open(ctx context.Context, reviewerID string) (*View, error) {
	if s == nil || s.roster == nil || s.records == nil {
		return nil, ErrSourcesNotConfigured
	}
	reviewerID = strings.TrimSpace(reviewerID)
	if reviewerID == "" {
		return nil, ErrEmptyReviewerID
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	viewCtx, cancel := context.WithCancel(ctx)
	rosterUpdates, err := s.roster.WatchAuthorizedSubjects(viewCtx, reviewerID)
	if err != nil {
		cancel()
		return nil, perrors.Wrap(perrors.CodeSubscriptionFailed, "subscribe to reviewer roster", err)
	}

	view := &View{
		service:    s,
		reviewerID: reviewerID,
		ctx:        viewCtx,
		cancel:     cancel,
		subs:       make(map[string]context.CancelFunc),
		emails:     make(map[string]string),
		snapshots:  make(map[string][]recordsdomain.Record),
		updates:    make(chan []Entry, 1),
		warnings:   make(chan Warning, 16),
		errs:       make(chan error, 1),
	}
	view.wg.Add(1)
	go view.consumeRoster(rosterUpdates)
	return view, nil
}

// View is one reviewer's live aggregated record collection. It owns all of
// its subscription bookkeeping; nothing about it is shared between reviewers.
type View struct {
	service    *Service
	reviewerID string
	ctx        context.Context
	cancel     context.CancelFunc

	mu        sync.Mutex
	subs      map[string]context.CancelFunc
	emails    map[string]string
	snapshots map[string][]recordsdomain.Record

	updates  chan []Entry
	warnings chan Warning
	errs     chan error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Updates delivers the merged view after every change. Only the latest
// snapshot is retained for a slow consumer.
func (v *View) Updates() <-chan []Entry {
	return v.updates
}

// Warnings delivers isolated per-subject stream failures.
func (v *View) Warnings() <-chan Warning {
	return v.warnings
}

// Err delivers the aggregation-fatal roster failure, if any.
func (v *View) Err() <-chan error {
	return v.errs
}

// Records returns the current merged snapshot.
func (v *View) Records() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return mergeSnapshots(v.snapshots, v.emails)
}

// Close tears the view down: the roster subscription and every per-subject
// subscription are cancelled, and no further update is delivered once Close
// returns. Close is idempotent and safe before any update arrived.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.cancel()
		v.wg.Wait()
		close(v.updates)
		close(v.warnings)
		close(v.errs)
	})
}

func (v *View) consumeRoster(rosterUpdates <-chan grantsdomain.RosterUpdate) {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case update, ok := <-rosterUpdates:
			if !ok {
				if v.ctx.Err() == nil {
					v.reportFatal(perrors.New(perrors.CodeSubscriptionFailed, "reviewer roster stream ended unexpectedly"))
				}
				return
			}
			if update.Err != nil {
				v.reportFatal(perrors.Wrap(perrors.CodeSubscriptionFailed, "reviewer roster stream failed", update.Err))
				return
			}
			v.reconcile(update.Subjects)
		}
	}
}

// reconcile diffs the delivered roster against the open subscriptions and
// applies the difference: one new subscription per added subject, cancel and
// forget for each removed subject. The merged view is republished so removed
// subjects' records disappear within the same reconciliation cycle.
func (v *View) reconcile(subjects []grantsdomain.Subject) {
	want := make(map[string]grantsdomain.Subject, len(subjects))
	for _, subject := range subjects {
		if strings.TrimSpace(subject.ID) == "" {
			continue
		}
		want[subject.ID] = subject
	}

	v.mu.Lock()
	var added []grantsdomain.Subject
	for subjectID, subject := range want {
		v.emails[subjectID] = subject.Email
		if _, open := v.subs[subjectID]; !open {
			added = append(added, subject)
		}
	}
	changed := len(added) > 0
	for subjectID, cancelSub := range v.subs {
		if _, keep := want[subjectID]; keep {
			continue
		}
		cancelSub()
		delete(v.subs, subjectID)
		delete(v.snapshots, subjectID)
		delete(v.emails, subjectID)
		changed = true
	}
	for _, subject := range added {
		subCtx, subCancel := context.WithCancel(v.ctx)
		v.subs[subject.ID] = subCancel
		v.wg.Add(1)
		go v.consumeSubject(subCtx, subject)
	}
	if changed {
		v.publish(mergeSnapshots(v.snapshots, v.emails))
	}
	v.mu.Unlock()
}

func (v *View) consumeSubject(subCtx context.Context, subject grantsdomain.Subject) {
	defer v.wg.Done()
	metrics.ReviewOpenSubscriptions.Inc()
	defer metrics.ReviewOpenSubscriptions.Dec()

	for {
		if subCtx.Err() != nil {
			return
		}
		stream, err := v.service.records.WatchRecordsByOwner(subCtx, subject.ID, v.service.limit)
		if err != nil {
			v.warn(subject.ID, fmt.Errorf("subscribe to subject records: %w", err))
			if !waitSubjectStreamRetry(subCtx, subjectStreamRetryDelay) {
				return
			}
			continue
		}

		for {
			var update recordsstorage.RecordsUpdate
			var ok bool
			select {
			case <-subCtx.Done():
				return
			case update, ok = <-stream:
			}
			if !ok {
				break
			}
			if update.Err != nil {
				// Isolated failure: keep the last known snapshot in the view.
				v.warn(subject.ID, update.Err)
				continue
			}
			v.applySnapshot(subCtx, subject.ID, update.Records)
		}

		if !waitSubjectStreamRetry(subCtx, subjectStreamRetryDelay) {
			return
		}
	}
}

// applySnapshot replaces the subject's snapshot wholesale and republishes the
// merge. A snapshot arriving after the subject left the roster or after
// teardown is discarded rather than applied to stale state.
func (v *View) applySnapshot(subCtx context.Context, subjectID string, records []recordsdomain.Record) {
	if subCtx.Err() != nil {
		return
	}

	v.mu.Lock()
	if _, open := v.subs[subjectID]; !open {
		v.mu.Unlock()
		return
	}
	v.snapshots[subjectID] = records
	v.publish(mergeSnapshots(v.snapshots, v.emails))
	v.mu.Unlock()
}

// publish pushes one merged snapshot onto the latest-wins updates channel.
// Callers hold v.mu so pushes land in merge order; PushLatest never blocks,
// which keeps holding the lock across it safe.
func (v *View) publish(merged []Entry) {
	if v.ctx.Err() != nil {
		return
	}
	metrics.ReviewMergesTotal.Inc()
	live.PushLatest(v.updates, merged)
}

func (v *View) warn(subjectID string, err error) {
	if v.ctx.Err() != nil {
		return
	}
	metrics.ReviewSubjectStreamFailuresTotal.Inc()
	select {
	case v.warnings <- Warning{SubjectID: subjectID, Err: err}:
	default:
	}
}

func (v *View) reportFatal(err error) {
	select {
	case v.errs <- err:
	default:
	}
}

func waitSubjectStreamRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
