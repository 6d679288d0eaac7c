// Package httpapi serves the process's external HTTP surface: Prometheus
// /metrics, a liveness /healthz, and the Slack interactive-button webhook
// that resolves a pending approval gate decision (spec.md §4.6's approver,
// generalized from a terminal-only prompt to an HTTP-delivered one).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/aegis-sre/aegis/pkg/k8s"
	"github.com/aegis-sre/aegis/pkg/operator"
)

// ApprovalResolver is satisfied by *operator.SlackApprover: it delivers a
// decision to whichever RequestApproval call is blocked on an incident id.
type ApprovalResolver interface {
	Resolve(incidentID string, decision operator.Decision) bool
}

// Server bundles the three HTTP concerns aegis exposes. ApprovalResolver and
// SigningSecret may both be zero-valued, in which case the webhook route
// always returns 404 (no approval channel configured).
type Server struct {
	router         chi.Router
	clusterHealth  k8s.Client
	resolver       ApprovalResolver
	signingSecret  string
	logger         *logrus.Logger
}

// NewServer builds the HTTP router. clusterHealth may be nil (health check
// then reports healthy unconditionally - used in tests).
func NewServer(registry *prometheus.Registry, clusterHealth k8s.Client, resolver ApprovalResolver, slackSigningSecret string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{clusterHealth: clusterHealth, resolver: resolver, signingSecret: slackSigningSecret, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{AllowedMethods: []string{"GET", "POST"}}))

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealthz)
	r.Post("/webhooks/slack/approval", s.handleSlackApproval)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, letting Server be passed straight to
// http.Server.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.clusterHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if !s.clusterHealth.IsHealthy(ctx) {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "cluster-unreachable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// slackApprovalValue is the button value aegis attaches in
// operator.SlackApprover.RequestApproval: "approve" or "reject".
const (
	slackApprovalValue = "approve"
	slackRejectValue   = "reject"
)

// handleSlackApproval parses a Slack interactive-component payload
// (application/x-www-form-urlencoded, field "payload" holding JSON),
// verifies its signature, and resolves the matching pending approval.
func (s *Server) handleSlackApproval(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		http.NotFound(w, r)
		return
	}

	body, err := verifySlackSignature(r, s.signingSecret)
	if err != nil {
		s.logger.WithError(err).Warn("slack webhook signature verification failed")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(values.Get("payload")), &callback); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(callback.ActionCallback.AttachmentActions) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	action := callback.ActionCallback.AttachmentActions[0]
	incidentID := trimCallbackPrefix(callback.CallbackID)

	decision := operator.DecisionRejected
	if action.Value == slackApprovalValue {
		decision = operator.DecisionApproved
	}

	if !s.resolver.Resolve(incidentID, decision) {
		s.logger.WithField("incident_id", incidentID).Warn("slack approval callback for unknown or expired incident")
	}
	w.WriteHeader(http.StatusOK)
}

func trimCallbackPrefix(callbackID string) string {
	const prefix = "aegis_approval_"
	if len(callbackID) > len(prefix) && callbackID[:len(prefix)] == prefix {
		return callbackID[len(prefix):]
	}
	return callbackID
}
