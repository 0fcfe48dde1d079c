package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/award"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/monitoring"
	"github.com/procurehq/rfq-engine/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API over the engine's operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(env *engineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := env.Store.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		snap, err := monitoring.NewCollector(env.Store).Collect(req.Context(), cfg.Monitoring.LookbackHours)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Route("/rfqs", func(r chi.Router) {
		r.Post("/", createRFQHandler(env))
		r.Post("/{id}/close", rfqStageHandler(env.Engine.Close))
		r.Post("/{id}/evaluate", rfqStageHandler(env.Engine.Evaluate))
		r.Post("/{id}/remind", rfqStageHandler(env.Engine.Remind))
		r.Post("/{id}/suppliers/{supplier}/award", ensureAwardHandler(env))
	})

	r.Route("/awards/{id}", func(r chi.Router) {
		r.Post("/out-of-stock", markOutOfStockHandler(env))
		r.Post("/cancel", cancelAwardHandler(env))
		r.Post("/recreate", recreateRFQHandler(env))
		r.Post("/convert", convertToEcommerceHandler(env))
		r.Post("/shipments", createShipmentHandler(env))
		r.Post("/settlement", openSettlementHandler(env))
	})

	r.Route("/shipments/{id}", func(r chi.Router) {
		r.Post("/tracking", setTrackingHandler(env))
		r.Post("/autofill", autofillHandler(env))
		r.Post("/ship", markShippedHandler(env))
	})

	r.Route("/settlements/{id}", func(r chi.Router) {
		r.Post("/paid", func(w http.ResponseWriter, req *http.Request) {
			if err := env.Settlement.MarkPaid(req.Context(), chi.URLParam(req, "id"), time.Now().UTC()); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "paid"})
		})
		r.Post("/reconcile", func(w http.ResponseWriter, req *http.Request) {
			if err := env.Settlement.Reconcile(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
		})
	})

	return r
}

func createRFQHandler(env *engineEnv) http.HandlerFunc {
	type itemReq struct {
		ProductName  string `json:"product_name"`
		Quantity     int64  `json:"quantity"`
		MaxPrice     int64  `json:"max_price"`
		InstantPrice int64  `json:"instant_price"`
	}
	type rfqReq struct {
		Number      string    `json:"number"`
		Title       string    `json:"title"`
		BuyerID     string    `json:"buyer_id"`
		PricingMode string    `json:"pricing_mode"`
		Deadline    time.Time `json:"deadline"`
		Items       []itemReq `json:"items"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body rfqReq
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if body.Number == "" || body.BuyerID == "" || len(body.Items) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "number, buyer_id and items are required"})
			return
		}

		rfq := &model.RFQ{
			Number:      body.Number,
			Title:       body.Title,
			BuyerID:     body.BuyerID,
			PricingMode: model.PricingMode(body.PricingMode),
			Deadline:    body.Deadline.UTC(),
			Status:      model.RFQStatusPublished,
		}
		items := make([]model.RfqItem, 0, len(body.Items))
		for _, it := range body.Items {
			items = append(items, model.RfqItem{
				ProductName:  it.ProductName,
				Quantity:     it.Quantity,
				MaxPrice:     it.MaxPrice,
				InstantPrice: it.InstantPrice,
			})
		}

		ctx := req.Context()
		if err := env.Store.CreateRFQ(ctx, rfq, items); err != nil {
			writeError(w, err)
			return
		}
		if err := env.Engine.ScheduleClose(ctx, rfq, time.Now().UTC()); err != nil {
			zap.L().Error("schedule close failed", zap.String("rfq_id", rfq.ID), zap.Error(err))
		}
		writeJSON(w, http.StatusCreated, rfq)
	}
}

func rfqStageHandler(stage func(ctx context.Context, rfqID string, now time.Time) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := stage(req.Context(), chi.URLParam(req, "id"), time.Now().UTC()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ensureAwardHandler fetches the supplier's award, materializing one from
// the item allocations when evaluation has not created it yet.
func ensureAwardHandler(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		a, err := env.Awards.EnsureAward(req.Context(),
			chi.URLParam(req, "id"), chi.URLParam(req, "supplier"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func markOutOfStockHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		Reason  string `json:"reason"`
		ItemID  string `json:"item_id"`
		ActorID string `json:"actor_id"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		err := env.Awards.MarkOutOfStock(req.Context(), chi.URLParam(req, "id"),
			body.Reason, body.ItemID, body.ActorID, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "out_of_stock"})
	}
}

func cancelAwardHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		Reason  string `json:"reason"`
		Action  string `json:"action"`
		ActorID string `json:"actor_id"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		err := env.Awards.CancelAward(req.Context(), chi.URLParam(req, "id"),
			body.Reason, model.CancelAction(body.Action), body.ActorID, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func recreateRFQHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		BuyerID  string     `json:"buyer_id"`
		Deadline *time.Time `json:"deadline"`
		ActorID  string     `json:"actor_id"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		rfq, err := env.Awards.RecreateRFQFromOutOfStock(req.Context(), chi.URLParam(req, "id"),
			body.BuyerID, body.Deadline, body.ActorID, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rfq)
	}
}

func convertToEcommerceHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		ItemIDs []string `json:"item_ids"`
		ActorID string   `json:"actor_id"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		err := env.Awards.ConvertToEcommerce(req.Context(), chi.URLParam(req, "id"),
			body.ItemIDs, body.ActorID, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "converted"})
	}
}

func createShipmentHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		LabelKey string `json:"label_key"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		s, err := env.Shipping.CreateShipment(req.Context(), chi.URLParam(req, "id"), body.LabelKey)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

func setTrackingHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		TrackingNumber string `json:"tracking_number"`
		Carrier        string `json:"carrier"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		err := env.Shipping.SetTracking(req.Context(), chi.URLParam(req, "id"),
			body.TrackingNumber, body.Carrier)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func autofillHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		LabelPath string `json:"label_path"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		guess, applied, err := env.Shipping.Autofill(req.Context(), chi.URLParam(req, "id"), body.LabelPath)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "guess": guess})
	}
}

func markShippedHandler(env *engineEnv) http.HandlerFunc {
	type reqBody struct {
		ItemIDs []string `json:"item_ids"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body reqBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		err := env.Shipping.MarkShipped(req.Context(), chi.URLParam(req, "id"),
			body.ItemIDs, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "shipped"})
	}
}

func openSettlementHandler(env *engineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s, created, err := env.Settlement.Open(req.Context(), chi.URLParam(req, "id"), time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, s)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto status codes: missing
// records are 404, state guard violations are 409, everything else is 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case award.IsInvalidState(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
