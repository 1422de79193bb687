package dispatch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gaspardpetit/plugapi/internal/drain"
	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/metrics"
)

// Wrap turns a record into an http.Handler that applies the response
// envelope. Handler errors and panics never escape.
func Wrap(rec endpoint.Record) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		drain.Begin()
		defer drain.End()
		start := time.Now()
		res := endpoint.NewResponse(w)
		data, err := invoke(rec, res, r)

		outcome := "success"
		switch {
		case res.Written():
			outcome = "written"
			if err != nil {
				logx.Log.Warn().Str("file", rec.Source).Str("path", rec.Path).Err(err).Msg("plugin failed after writing")
			}
		case err != nil:
			outcome = "error"
			status := ErrorStatus(err)
			logx.Log.Error().
				Str("file", rec.Source).
				Str("method", string(rec.Method)).
				Str("path", rec.Path).
				Int("status", status).
				Err(err).
				Msg("plugin handler error")
			WriteError(res, status, err.Error())
		default:
			WriteSuccess(res, res.Status(), data)
		}
		routeInfoFrom(r.Context()).set(rec.Plugin, rec.Source, rec.Key(), outcome)
		metrics.RecordPluginRequest(rec.Plugin, string(rec.Method), outcome)
		metrics.ObserveRequestDuration(rec.Plugin, time.Since(start))
	}
}

func invoke(rec endpoint.Record, w *endpoint.Response, r *http.Request) (data any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()
	if rec.Handler == nil {
		return nil, fmt.Errorf("no handler bound for %s", rec.Key())
	}
	return rec.Handler(w, r)
}
