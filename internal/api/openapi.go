package api

import (
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/endpoint"
	"github.com/gaspardpetit/plugapi/internal/logx"
)

// OpenAPIDocument describes every served plugin endpoint. Declared params
// become query parameters and ":name" segments path parameters.
func OpenAPIDocument(version string, records []endpoint.Record) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "plugapi",
			Version: version,
		},
		Paths: openapi3.NewPaths(),
	}
	for _, rec := range records {
		op := openapi3.NewOperation()
		op.OperationID = operationID(rec)
		op.Summary = rec.Description
		op.Tags = []string{endpoint.Namespace(rec.Path)}
		if rec.Plugin != "" {
			op.Tags = append(op.Tags, rec.Plugin)
		}
		pattern := endpoint.RoutePattern(rec.Path)
		for _, seg := range strings.Split(pattern, "/") {
			if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
				p := openapi3.NewPathParameter(strings.Trim(seg, "{}")).WithSchema(openapi3.NewStringSchema())
				op.AddParameter(p)
			}
		}
		for _, prm := range rec.Params {
			if prm.Name == "" {
				continue
			}
			p := openapi3.NewQueryParameter(prm.Name).
				WithSchema(paramSchema(prm.Type)).
				WithRequired(prm.Required).
				WithDescription(prm.Description)
			op.AddParameter(p)
		}
		op.Responses = openapi3.NewResponses(
			openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("success envelope")}),
			openapi3.WithStatus(http.StatusInternalServerError, &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("error envelope")}),
		)
		doc.AddOperation(pattern, string(rec.Method), op)
	}
	return doc
}

func paramSchema(typ string) *openapi3.Schema {
	switch strings.ToLower(typ) {
	case "number", "float":
		return openapi3.NewFloat64Schema()
	case "integer", "int":
		return openapi3.NewIntegerSchema()
	case "boolean", "bool":
		return openapi3.NewBoolSchema()
	default:
		return openapi3.NewStringSchema()
	}
}

func operationID(rec endpoint.Record) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(rec.Method)))
	for _, c := range rec.Path {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// OpenAPI serves the document for the currently bound endpoints.
func (a *API) OpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := OpenAPIDocument(a.Version, a.Routes.Bound())
	b, err := doc.MarshalJSON()
	if err != nil {
		logx.Log.Error().Err(err).Msg("encode openapi")
		dispatch.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
