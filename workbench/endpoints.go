package workbench

import (
	"context"
	"time"

	"github.com/hazyhaar/narthex/kit"
	"github.com/hazyhaar/narthex/observability"
	"github.com/hazyhaar/narthex/terms"
)

// Requests shared by the HTTP and MCP surfaces. Endpoints receive pointers.
type (
	datasetsRequest struct{}

	treeRequest struct {
		Dataset string `json:"dataset"`
		Reload  bool   `json:"reload,omitempty"`
	}

	delimiterRequest struct {
		Dataset  string `json:"dataset"`
		UniqueID string `json:"uniqueId"`
	}

	datasetRequest struct {
		Dataset string `json:"dataset"`
	}

	conceptsRequest struct {
		Dataset  string          `json:"dataset"`
		Source   string          `json:"source"`
		Concepts []terms.Concept `json:"concepts"`
	}

	noticesRequest struct {
		Dataset string `json:"dataset,omitempty"`
		Limit   int    `json:"limit,omitempty"`
	}
)

func (r *treeRequest) dataset() string      { return r.Dataset }
func (r *delimiterRequest) dataset() string { return r.Dataset }
func (r *datasetRequest) dataset() string   { return r.Dataset }
func (r *conceptsRequest) dataset() string  { return r.Dataset }
func (r *noticesRequest) dataset() string   { return r.Dataset }
func (r *TermsRequest) dataset() string     { return r.Dataset }
func (r *MappingRequest) dataset() string   { return r.Dataset }
func (r *RecordsRequest) dataset() string   { return r.Dataset }

type addressed interface{ dataset() string }

type endpoints struct {
	datasets  kit.Endpoint
	refresh   kit.Endpoint
	save      kit.Endpoint
	remove    kit.Endpoint
	tree      kit.Endpoint
	delimiter kit.Endpoint
	terms     kit.Endpoint
	records   kit.Endpoint
	mapping   kit.Endpoint
	concepts  kit.Endpoint
	notices   kit.Endpoint
}

func (w *Workbench) buildEndpoints() {
	read := func(op string, e kit.Endpoint) kit.Endpoint {
		return kit.Chain(scoped(), kit.Logging(w.logger, op), w.timed(op))(e)
	}
	write := func(op string, e kit.Endpoint) kit.Endpoint {
		return kit.Chain(scoped(), kit.Logging(w.logger, op), w.audited(op), w.timed(op))(e)
	}

	w.ep = endpoints{
		datasets: read("datasets", func(context.Context, any) (any, error) {
			return w.Datasets(), nil
		}),
		refresh: write("refresh", func(context.Context, any) (any, error) {
			w.Refresh()
			return map[string]string{"status": "refreshing"}, nil
		}),
		save: write("save_records", func(ctx context.Context, req any) (any, error) {
			p := req.(*datasetRequest)
			if err := w.SaveRecords(ctx, p.Dataset); err != nil {
				return nil, err
			}
			return map[string]string{"status": "saving", "dataset": p.Dataset}, nil
		}),
		remove: write("delete", func(ctx context.Context, req any) (any, error) {
			p := req.(*datasetRequest)
			if err := w.Delete(ctx, p.Dataset); err != nil {
				return nil, err
			}
			return map[string]string{"status": "deleted", "dataset": p.Dataset}, nil
		}),
		tree: read("tree", func(ctx context.Context, req any) (any, error) {
			p := req.(*treeRequest)
			return w.Tree(ctx, p.Dataset, p.Reload)
		}),
		delimiter: write("set_delimiter", func(ctx context.Context, req any) (any, error) {
			p := req.(*delimiterRequest)
			return w.SetUniqueID(ctx, p.Dataset, p.UniqueID)
		}),
		terms: read("terms", func(ctx context.Context, req any) (any, error) {
			return w.Terms(ctx, *req.(*TermsRequest))
		}),
		records: read("records", func(ctx context.Context, req any) (any, error) {
			return w.Records(ctx, *req.(*RecordsRequest))
		}),
		mapping: write("mapping", func(ctx context.Context, req any) (any, error) {
			p := req.(*MappingRequest)
			e, err := w.Map(ctx, *p)
			if err != nil {
				return nil, err
			}
			if e == nil {
				return map[string]string{"status": "removed", "source": p.Source}, nil
			}
			return e, nil
		}),
		concepts: read("concepts", func(ctx context.Context, req any) (any, error) {
			p := req.(*conceptsRequest)
			return w.Concepts(ctx, p.Dataset, p.Source, p.Concepts)
		}),
		notices: read("notices", func(ctx context.Context, req any) (any, error) {
			p := req.(*noticesRequest)
			return w.Notices(ctx, p.Dataset, p.Limit)
		}),
	}
}

// scoped puts the addressed dataset of the request in the context.
func scoped() kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if a, ok := req.(addressed); ok && a.dataset() != "" {
				ctx = kit.WithDataset(ctx, a.dataset())
			}
			return next(ctx, req)
		}
	}
}

// timed records the duration of every call as a metric.
func (w *Workbench) timed(op string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			status := "ok"
			if err != nil {
				status = "error"
			}
			w.metrics.Record(&observability.Metric{
				Name:  observability.MetricBackendCallMs,
				Value: float64(time.Since(start).Milliseconds()),
				Unit:  "milliseconds",
				Labels: map[string]string{
					"op":        op,
					"transport": kit.GetTransport(ctx),
					"status":    status,
				},
			})
			return resp, err
		}
	}
}

// audited writes one audit entry per call.
func (w *Workbench) audited(op string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			w.audit.Record(kit.GetDataset(ctx), op, req, err, time.Since(start))
			return resp, err
		}
	}
}
