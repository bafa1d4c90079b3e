// Package server exposes the telephony gateway webhooks over HTTP. Call-path
// endpoints always answer with valid TwiML, even on internal failure, because
// the caller on the line never sees an HTTP status code.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/twiml"

	"github.com/ushauri/voicegateway/engine"
)

// fallbackTwiML is served when TwiML rendering itself fails mid-call.
const fallbackTwiML = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<Response><Say voice="alice" language="en-US">` +
	`I'm sorry, but I encountered an error processing your request. Please try again later.` +
	`</Say><Hangup/></Response>`

// callPaths are the endpoints with a live caller on the line.
var callPaths = map[string]bool{
	engine.PathStartCall:      true,
	engine.PathSpeechCaptured: true,
	engine.PathPollTurn:       true,
}

// Server binds the webhook routes to the engine.
type Server struct {
	engine *engine.Engine
	log    zerolog.Logger
	router *mux.Router
}

// New creates the webhook server around an engine.
func New(e *engine.Engine, logger zerolog.Logger) *Server {
	s := &Server{
		engine: e,
		log:    logger,
	}

	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.HandleFunc(engine.PathStartCall, s.handleStartCall).Methods(http.MethodPost)
	r.HandleFunc(engine.PathSpeechCaptured, s.handleSpeechCaptured).Methods(http.MethodPost)
	r.HandleFunc(engine.PathTranscription, s.handleTranscription).Methods(http.MethodPost)
	r.HandleFunc(engine.PathPollTurn, s.handlePollTurn).Methods(http.MethodPost)
	r.HandleFunc("/debug/state", s.handleDebugState).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
	s.router = r

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	callSID := callSID(r)
	if callSID == "" {
		// The simulator scripts used during development post without a
		// CallSid; mint one so the flow still works end to end.
		callSID = uuid.NewString()
	}
	s.writeTwiML(w, s.engine.StartCall(callSID))
}

func (s *Server) handleSpeechCaptured(w http.ResponseWriter, r *http.Request) {
	callSID := callSID(r)
	transcript := r.FormValue("SpeechResult")
	s.writeTwiML(w, s.engine.SpeechCaptured(callSID, transcript))
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	s.engine.TranscriptionArrived(
		callSID(r),
		r.FormValue("TranscriptionStatus"),
		r.FormValue("TranscriptionText"),
	)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePollTurn(w http.ResponseWriter, r *http.Request) {
	callSID := callSID(r)
	poll := formInt(r, "poll", 1)
	maxPolls := formInt(r, "maxPolls", 0)
	s.writeTwiML(w, s.engine.PollTurn(callSID, poll, maxPolls))
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Snapshot()); err != nil {
		s.log.Error().Err(err).Msg("failed to encode state snapshot")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeTwiML renders the instruction list. A render failure falls back to a
// canned apology document rather than an error status.
func (s *Server) writeTwiML(w http.ResponseWriter, verbs []twiml.Element) {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to render TwiML, serving fallback")
		doc = fallbackTwiML
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

// recoverMiddleware converts panics on call paths into a spoken apology with
// a 200 status; non-call paths get a JSON 500.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).
				Msg("recovered from panic in handler")
			if callPaths[r.URL.Path] {
				w.Header().Set("Content-Type", "text/xml")
				_, _ = w.Write([]byte(fallbackTwiML))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// callSID extracts the call identifier from the Twilio form field or the
// callId query parameter our own redirects carry.
func callSID(r *http.Request) string {
	if sid := r.FormValue("CallSid"); sid != "" {
		return sid
	}
	return r.FormValue("callId")
}

func formInt(r *http.Request, key string, def int) int {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
