package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"whatrix/internal/metrics"
	"whatrix/internal/models"
	"whatrix/internal/queue"
	"whatrix/internal/relay"
	"whatrix/internal/tracing"
)

// webhookEnqueuer is the slice of the queue layer the HTTP surface needs.
type webhookEnqueuer interface {
	EnqueueInbound(ctx context.Context, job models.InboundRelayJob) error
	EnqueueOutbound(ctx context.Context, job models.OutboundRelayJob) error
}

// channelVerifier answers the channel's subscription handshake.
type channelVerifier interface {
	VerifyWebhook(mode, token, challenge string) string
}

// pinger is a health-checkable dependency.
type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	cfg      *models.Config
	enqueuer webhookEnqueuer
	verifier channelVerifier
	db       pinger
	cache    pinger
	stats    queue.StatsReader
	server   *http.Server
}

func NewServer(cfg *models.Config, enqueuer webhookEnqueuer, verifier channelVerifier, db, cache pinger, stats queue.StatsReader, logger *logrus.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		cfg:      cfg,
		enqueuer: enqueuer,
		verifier: verifier,
		db:       db,
		cache:    cache,
		stats:    stats,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.tracingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.HandleFunc("/queues/stats", s.handleQueueStats()).Methods(http.MethodGet)

	channel := s.router.PathPrefix("/webhooks/channel").Subrouter()
	channel.HandleFunc("", s.handleChannelVerify()).Methods(http.MethodGet)
	channel.HandleFunc("", s.handleChannelWebhook()).Methods(http.MethodPost)

	crm := s.router.PathPrefix("/webhooks/crm").Subrouter()
	crm.HandleFunc("", s.handleCrmWebhook()).Methods(http.MethodPost)
}

func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "http_request",
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("user_agent.original", r.Header.Get("User-Agent")),
		)
		defer span.End()

		ctx = tracing.WithFullTracing(ctx)

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r.WithContext(ctx))

		span.SetAttributes(
			attribute.Int("http.response.status_code", wrapper.statusCode),
			attribute.Int64("http.request.duration_ms", tracing.Duration(ctx).Milliseconds()),
		)
		if wrapper.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	})
}

// responseWrapper captures the status code for the request span.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "database": "ok", "cache": "ok"}
		code := http.StatusOK

		if err := s.db.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := s.cache.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["cache"] = err.Error()
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			s.logger.WithError(err).Error("Failed to encode health response")
		}
	}
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.stats.Stats(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("Failed to read queue stats")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{"queues": stats}); err != nil {
			s.logger.WithError(err).Error("Failed to encode queue stats response")
		}
	}
}

// handleChannelVerify answers the channel platform's subscription
// handshake by echoing the challenge when the verify token matches.
func (s *Server) handleChannelVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		challenge := s.verifier.VerifyWebhook(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		if challenge == "" {
			s.logger.Warn("Channel webhook verification failed")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		s.logger.Info("Channel webhook verified")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge)); err != nil {
			s.logger.WithError(err).Error("Failed to write challenge response")
		}
	}
}

// handleChannelWebhook ingests channel events. The response is always
// 200 so the platform never retries on our processing problems; the
// queue owns retries from here.
func (s *Server) handleChannelWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var payload models.ChannelWebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.logger.WithError(err).Warn("Undecodable channel webhook payload")
			metrics.IncrementCounter("webhook_malformed_total", map[string]string{"source": "channel"}, "Malformed webhook payloads")
			w.WriteHeader(http.StatusOK)
			return
		}

		enqueued := 0
		for _, entry := range payload.Entry {
			for _, change := range entry.Changes {
				names := contactNames(change.Value.Contacts)
				for _, msg := range change.Value.Messages {
					job := models.InboundRelayJob{
						MessageID:   msg.ID,
						From:        msg.From,
						ContactName: names[msg.From],
						MessageType: msg.Type,
						Timestamp:   msg.Timestamp,
					}
					if msg.Text != nil {
						job.Body = msg.Text.Body
					}

					if err := s.enqueuer.EnqueueInbound(r.Context(), job); err != nil {
						s.logger.WithError(err).WithField("messageId", msg.ID).Error("Failed to enqueue inbound message")
						continue
					}
					enqueued++
				}
			}
		}

		if enqueued > 0 {
			metrics.AddToCounter("webhook_messages_total", float64(enqueued), map[string]string{"source": "channel"}, "Messages accepted from webhooks")
			s.logger.WithField("count", enqueued).Debug("Channel webhook messages enqueued")
		}
		w.WriteHeader(http.StatusOK)
	}
}

// handleCrmWebhook ingests CRM events. Only the message-added event is
// relayed; all payloads are acked with 200 to keep the CRM from
// disabling the handler.
func (s *Server) handleCrmWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var payload models.CrmWebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.logger.WithError(err).Warn("Undecodable CRM webhook payload")
			metrics.IncrementCounter("webhook_malformed_total", map[string]string{"source": "crm"}, "Malformed webhook payloads")
			w.WriteHeader(http.StatusOK)
			return
		}

		if payload.Event != models.CrmEventMessageAdd {
			s.logger.WithField("event", payload.Event).Debug("Ignoring CRM event")
			w.WriteHeader(http.StatusOK)
			return
		}

		params := payload.Data.Params
		chatID, err := relay.ParseDialogID(params.DialogID)
		if err != nil {
			s.logger.WithError(err).WithField("dialogId", params.DialogID).Warn("CRM webhook with unusable dialog id")
			metrics.IncrementCounter("webhook_malformed_total", map[string]string{"source": "crm"}, "Malformed webhook payloads")
			w.WriteHeader(http.StatusOK)
			return
		}

		job := models.OutboundRelayJob{
			MessageID:  params.MessageID,
			CrmChatID:  chatID,
			Body:       params.Message,
			FromUserID: params.FromUserID,
			Timestamp:  payload.TS,
		}
		if err := s.enqueuer.EnqueueOutbound(r.Context(), job); err != nil {
			s.logger.WithError(err).WithField("messageId", params.MessageID).Error("Failed to enqueue outbound message")
			w.WriteHeader(http.StatusOK)
			return
		}

		metrics.IncrementCounter("webhook_messages_total", map[string]string{"source": "crm"}, "Messages accepted from webhooks")
		w.WriteHeader(http.StatusOK)
	}
}

func contactNames(contacts []models.ChannelContact) map[string]string {
	if len(contacts) == 0 {
		return nil
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		names[c.WaID] = c.Profile.Name
	}
	return names
}
