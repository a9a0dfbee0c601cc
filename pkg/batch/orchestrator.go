package batch

import (
	"context"

	"github.com/triggerline/eventbus/pkg/events"
	"github.com/triggerline/eventbus/pkg/filter"
	"github.com/triggerline/eventbus/pkg/store"
)

const maxBatchSize = 100

// EventService is the slice of the event service the orchestrator drives.
type EventService interface {
	Create(ctx context.Context, req events.CreateRequest) (*events.CreateResult, error)
	Update(ctx context.Context, id string, upd store.Update, owner string) (*store.Event, error)
	Delete(ctx context.Context, id string, owner string) error
	List(ctx context.Context, req events.ListRequest) (*events.ListResult, error)
}

// ItemResult is the outcome of one batch item, in submission order.
type ItemResult struct {
	Index   int
	Success bool
	Event   *store.Event
	Error   error
}

// Summary aggregates a batch outcome. Successful+Failed always equals Total.
type Summary struct {
	Total      int
	Successful int
	Failed     int
}

// Result pairs per-item outcomes with their summary.
type Result struct {
	Results []ItemResult
	Summary Summary
}

// UpdateItem addresses one event in a list-mode batch update.
type UpdateItem struct {
	ID     string
	Update store.Update
}

// UpdateBatchRequest updates either an explicit list of items or every event
// matching the filter conditions, never both.
type UpdateBatchRequest struct {
	Items      []UpdateItem
	Conditions []filter.Condition
	Status     store.Status
	Update     store.Update
	Owner      string
}

// DeleteBatchRequest deletes the union of the explicit ids and the events
// matching the filter conditions.
type DeleteBatchRequest struct {
	IDs        []string
	Conditions []filter.Condition
	Status     store.Status
	Owner      string
}

// Orchestrator fans batch requests out to the event service one item at a
// time. Items fail independently; a batch never aborts halfway.
type Orchestrator struct {
	service EventService
}

func NewOrchestrator(service EventService) *Orchestrator {
	return &Orchestrator{service: service}
}

// CreateBatch creates up to 100 events, each with its own delivery attempt.
func (o *Orchestrator) CreateBatch(ctx context.Context, items []events.CreateRequest) (*Result, error) {
	if err := checkBatchSize(len(items)); err != nil {
		return nil, err
	}

	result := newResult(len(items))
	for i, item := range items {
		created, err := o.service.Create(ctx, item)
		if err != nil {
			result.fail(i, err)
			continue
		}
		result.succeed(i, created.Event)
	}
	return result, nil
}

// UpdateBatch applies updates in list mode or filter mode.
func (o *Orchestrator) UpdateBatch(ctx context.Context, req UpdateBatchRequest) (*Result, error) {
	listMode := len(req.Items) > 0
	filterMode := len(req.Conditions) > 0
	if listMode == filterMode {
		return nil, &events.Error{
			Code:    events.CodeValidation,
			Message: "exactly one of items or filter conditions must be provided",
		}
	}

	if listMode {
		if err := checkBatchSize(len(req.Items)); err != nil {
			return nil, err
		}
		result := newResult(len(req.Items))
		for i, item := range req.Items {
			updated, err := o.service.Update(ctx, item.ID, item.Update, req.Owner)
			if err != nil {
				result.fail(i, err)
				continue
			}
			result.succeed(i, updated)
		}
		return result, nil
	}

	ids, err := o.resolve(ctx, req.Status, req.Conditions)
	if err != nil {
		return nil, err
	}
	result := newResult(len(ids))
	for i, id := range ids {
		updated, err := o.service.Update(ctx, id, req.Update, req.Owner)
		if err != nil {
			result.fail(i, err)
			continue
		}
		result.succeed(i, updated)
	}
	return result, nil
}

// DeleteBatch deletes the deduplicated union of explicit ids and
// filter-matched events.
func (o *Orchestrator) DeleteBatch(ctx context.Context, req DeleteBatchRequest) (*Result, error) {
	if len(req.IDs) == 0 && len(req.Conditions) == 0 {
		return nil, &events.Error{
			Code:    events.CodeValidation,
			Message: "at least one of ids or filter conditions must be provided",
		}
	}

	seen := make(map[string]bool, len(req.IDs))
	ids := make([]string, 0, len(req.IDs))
	for _, id := range req.IDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(req.Conditions) > 0 {
		matched, err := o.resolve(ctx, req.Status, req.Conditions)
		if err != nil {
			return nil, err
		}
		for _, id := range matched {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	// A filter that matches nothing yields an empty success envelope, same
	// as filter-mode update. Only the upper cap is enforced here; request
	// emptiness was validated above.
	if len(ids) > maxBatchSize {
		return nil, &events.Error{Code: events.CodeValidation, Message: "batch exceeds the maximum of 100 items"}
	}

	result := newResult(len(ids))
	for i, id := range ids {
		if err := o.service.Delete(ctx, id, req.Owner); err != nil {
			result.fail(i, err)
			continue
		}
		result.succeed(i, nil)
	}
	return result, nil
}

// resolve turns filter conditions into at most 100 event ids.
func (o *Orchestrator) resolve(ctx context.Context, status store.Status, conditions []filter.Condition) ([]string, error) {
	page, err := o.service.List(ctx, events.ListRequest{
		Status:     status,
		Limit:      maxBatchSize,
		Conditions: conditions,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(page.Events))
	for i, event := range page.Events {
		ids[i] = event.ID
	}
	return ids, nil
}

func checkBatchSize(n int) error {
	if n == 0 {
		return &events.Error{Code: events.CodeValidation, Message: "batch must contain at least one item"}
	}
	if n > maxBatchSize {
		return &events.Error{Code: events.CodeValidation, Message: "batch exceeds the maximum of 100 items"}
	}
	return nil
}

func newResult(total int) *Result {
	return &Result{
		Results: make([]ItemResult, 0, total),
		Summary: Summary{Total: total},
	}
}

func (r *Result) succeed(index int, event *store.Event) {
	r.Results = append(r.Results, ItemResult{Index: index, Success: true, Event: event})
	r.Summary.Successful++
}

func (r *Result) fail(index int, err error) {
	r.Results = append(r.Results, ItemResult{Index: index, Error: err})
	r.Summary.Failed++
}
