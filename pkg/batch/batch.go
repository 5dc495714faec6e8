// Package batch implements the reconciliation path: it drains the
// offline queue in bounded FIFO chunks, POSTs them gzip-compressed, and
// folds the server's per-event verdicts back into queue state.
//
// The channel is idempotent: running it twice on an unchanged queue
// converges to an empty queue with no duplicate side effects, because
// the server dedups on event_id and answers "duplicate" for anything it
// has already seen. Nothing is ever marked synced on a failed
// round-trip — a network failure leaves the whole batch pending.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaydev/relay/pkg/api"
	"github.com/relaydev/relay/pkg/creds"
	"github.com/relaydev/relay/pkg/queue"
)

// Options controls one sync run.
type Options struct {
	// MaxBatch caps the number of entries drained per run. Defaults to
	// (and is clamped at) the server's batch limit.
	MaxBatch int

	// DryRun inspects the queue without touching the network.
	DryRun bool

	// ReportPath, when set, receives a full per-event diagnostic dump
	// as JSON.
	ReportPath string
}

// Syncer drives the batch channel.
type Syncer struct {
	Queue  queue.Interface
	Creds  *creds.Manager
	Client *api.Client
}

// Sync drains up to MaxBatch pending entries and reconciles them with
// the server. Channel-local failures (network, auth, per-event
// rejections) are folded into the report; only local storage errors
// propagate as errors.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Report, error) {
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 || maxBatch > api.MaxBatchSize {
		maxBatch = api.MaxBatchSize
	}

	entries, err := s.Queue.PeekBatch(maxBatch)
	if err != nil {
		return nil, fmt.Errorf("batch: read queue: %w", err)
	}

	report := NewReport()
	defer func() { s.finish(report, opts) }()

	if len(entries) == 0 {
		return report, nil
	}

	// Events without project attribution never leave the machine.
	sendable, queueOnly := splitQueueOnly(entries)
	report.QueueOnly = len(queueOnly)
	if opts.DryRun || len(sendable) == 0 {
		report.Pending, _ = s.Queue.Depth()
		return report, nil
	}

	token, err := s.Creds.AccessToken(ctx)
	if err != nil {
		return s.authFailure(report, err)
	}

	events := make([]json.RawMessage, len(sendable))
	for i, en := range sendable {
		events[i] = json.RawMessage(en.EventJSON)
	}

	resp, err := s.Client.PostBatch(ctx, token, events)
	if api.IsUnauthorized(err) {
		// The server revoked a token we still considered valid. Refresh
		// exactly once and retry the batch once; a second 401 means
		// re-authentication is required.
		token, err = s.Creds.ForceRefresh(ctx)
		if err != nil {
			return s.authFailure(report, err)
		}
		resp, err = s.Client.PostBatch(ctx, token, events)
		if api.IsUnauthorized(err) {
			return s.authFailure(report, err)
		}
	}
	if err != nil {
		if api.IsConnectivity(err) {
			report.Offline = true
			report.Pending = len(entries)
			return report, nil
		}
		// Server-reported batch failure, e.g. a 400 whose details field
		// must reach the user verbatim.
		return report, fmt.Errorf("batch: %w", err)
	}

	if err := s.applyVerdicts(report, sendable, resp.Results); err != nil {
		return report, err
	}
	report.Pending, _ = s.Queue.Depth()
	return report, nil
}

// applyVerdicts folds per-event results into queue state and the report.
func (s *Syncer) applyVerdicts(report *Report, entries []queue.Entry, results []api.BatchResult) error {
	byID := make(map[string]queue.Entry, len(entries))
	for _, en := range entries {
		byID[en.EventID] = en
	}

	var synced, duplicate []string
	var rejections []queue.Rejection
	for _, res := range results {
		en, ok := byID[res.EventID]
		if !ok {
			continue // verdict for an event we did not send
		}
		item := ItemResult{EventID: res.EventID, EventType: en.EventType, Status: res.Status}
		switch res.Status {
		case api.VerdictSuccess:
			synced = append(synced, res.EventID)
			report.Synced++
		case api.VerdictDuplicate:
			duplicate = append(duplicate, res.EventID)
			report.Duplicate++
		default:
			// rejected, or an unknown verdict treated as a rejection so
			// the entry is retained rather than lost.
			cat := Categorize(res.Error)
			item.Reason = res.Error
			item.Category = cat
			rejections = append(rejections, queue.Rejection{
				EventID:  res.EventID,
				Reason:   res.Error,
				Category: string(cat),
			})
			report.Failed[cat]++
		}
		report.Items = append(report.Items, item)
	}

	if err := s.Queue.MarkSynced(synced); err != nil {
		return fmt.Errorf("batch: mark synced: %w", err)
	}
	if err := s.Queue.MarkDuplicate(duplicate); err != nil {
		return fmt.Errorf("batch: mark duplicate: %w", err)
	}
	if err := s.Queue.MarkRejected(rejections); err != nil {
		return fmt.Errorf("batch: mark rejected: %w", err)
	}
	return nil
}

func (s *Syncer) authFailure(report *Report, err error) (*Report, error) {
	report.AuthRequired = true
	report.Pending, _ = s.Queue.Depth()
	if errors.Is(err, creds.ErrLoggedOut) || errors.Is(err, creds.ErrRefreshExpired) {
		return report, err
	}
	return report, fmt.Errorf("batch: authentication: %w", err)
}

func (s *Syncer) finish(report *Report, opts Options) {
	if opts.ReportPath != "" {
		if err := report.WriteFile(opts.ReportPath); err != nil {
			// Diagnostics must never fail the sync itself.
			report.ReportWriteError = err.Error()
		}
	}
}

func splitQueueOnly(entries []queue.Entry) (sendable, queueOnly []queue.Entry) {
	for _, en := range entries {
		e, err := en.Event()
		if err != nil || e.ProjectUUID == "" {
			queueOnly = append(queueOnly, en)
			continue
		}
		sendable = append(sendable, en)
	}
	return sendable, queueOnly
}
