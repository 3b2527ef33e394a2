package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/diwise/resource-broker/internal/pkg/application/broker"
	"github.com/diwise/resource-broker/internal/pkg/application/docs"
	"github.com/diwise/resource-broker/pkg/resources"
	"github.com/diwise/resource-broker/pkg/resources/errors"
)

var tracer = otel.Tracer("resource-broker/api")

// RegisterHandlers mounts the generic CRUD surface and the generated
// documentation endpoints on the router.
func RegisterHandlers(r chi.Router, app *broker.App, doc *docs.Document, logger zerolog.Logger) error {
	r.Use(RequiredContentTypes([]string{"application/json"}))

	r.Get("/docs", NewServeDocumentationHandler(doc, logger))
	r.Get("/docs.json", NewServeDocumentationHandler(doc, logger))

	r.Route("/{resource}", func(r chi.Router) {
		r.Get("/", NewListResourcesHandler(app))
		r.Post("/", NewCreateResourceHandler(app))

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", NewRetrieveResourceHandler(app))
			r.Put("/", NewUpdateResourceHandler(app))
			r.Patch("/", NewUpdateResourceHandler(app))
			r.Delete("/", NewDeleteResourceHandler(app))
		})
	})

	return nil
}

// RequiredContentTypes rejects request bodies of any other media type.
func RequiredContentTypes(validTypes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			isValidContentType := true

			if len(contentType) > 0 {
				isValidContentType = false

				for _, t := range validTypes {
					if strings.HasPrefix(contentType, t) {
						isValidContentType = true
						break
					}
				}
			}

			if isValidContentType {
				next.ServeHTTP(w, r)
			} else {
				http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
			}
		})
	}
}

// NewListResourcesHandler handles GET requests for a resource collection.
func NewListResourcesHandler(app *broker.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "list-resources")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		opts, err := parseListOptions(r.URL.Query())
		if err != nil {
			writeError(w, err)
			return
		}

		result, err := app.List(ctx, chi.URLParam(r, "resource"), opts)
		if err != nil {
			writeError(w, err)
			return
		}

		items := result.Items
		if items == nil {
			items = []resources.Record{}
		}

		writeData(w, http.StatusOK, items, &result.Meta)
	}
}

// NewRetrieveResourceHandler handles GET requests for a single instance.
func NewRetrieveResourceHandler(app *broker.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "retrieve-resource")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		values := r.URL.Query()
		rec, err := app.Retrieve(ctx, chi.URLParam(r, "resource"), chi.URLParam(r, "id"), resources.ReadOptions{
			Include:     csvParam(values, "include"),
			Fields:      csvParam(values, "fields"),
			WithTrashed: boolParam(values, "with_trashed"),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeData(w, http.StatusOK, rec, nil)
	}
}

// NewCreateResourceHandler handles POST requests for a resource collection.
func NewCreateResourceHandler(app *broker.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "create-resource")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		payload, err := decodePayload(r)
		if err != nil {
			writeError(w, err)
			return
		}

		values := r.URL.Query()
		rec, err := app.Create(ctx, chi.URLParam(r, "resource"), payload, resources.WriteOptions{
			AvoidDuplicates: boolParam(values, "avoid_duplicates"),
			Include:         csvParam(values, "include"),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeData(w, http.StatusCreated, rec, nil)
	}
}

// NewUpdateResourceHandler handles PUT and PATCH requests for a single
// instance.
func NewUpdateResourceHandler(app *broker.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "update-resource")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		payload, err := decodePayload(r)
		if err != nil {
			writeError(w, err)
			return
		}

		values := r.URL.Query()
		rec, err := app.Update(ctx, chi.URLParam(r, "resource"), chi.URLParam(r, "id"), payload, resources.WriteOptions{
			AvoidDuplicates: boolParam(values, "avoid_duplicates"),
			Include:         csvParam(values, "include"),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeData(w, http.StatusOK, rec, nil)
	}
}

// NewDeleteResourceHandler handles DELETE requests for a single instance.
func NewDeleteResourceHandler(app *broker.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-resource")
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()

		err = app.Delete(ctx, chi.URLParam(r, "resource"), chi.URLParam(r, "id"), resources.DeleteOptions{
			Force: boolParam(r.URL.Query(), "force"),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeData(w, http.StatusOK, nil, nil)
	}
}

// NewServeDocumentationHandler serves the generated OpenAPI document.
func NewServeDocumentationHandler(doc *docs.Document, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Error().Err(err).Msg("failed to serve documentation")
		}
	}
}

func decodePayload(r *http.Request) (resources.Record, error) {
	payload := resources.Record{}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf("unable to decode request payload: %s", err.Error()))
	}

	return payload, nil
}
