package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Authenticator interface {
	Middleware(allowQuery bool) func(http.Handler) http.Handler
}

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, authn Authenticator, origins []string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors(origins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/diagnostics", handler.Diagnostics)

		r.Group(func(r chi.Router) {
			r.Use(authn.Middleware(false))
			r.Post("/save-fcm-token", handler.SaveFCMToken)
			r.Post("/send-message-notification", handler.SendMessageNotification)
			r.Post("/send-message-notification-v2", handler.SendMessageNotificationV2)

			r.Route("/meetups", func(r chi.Router) {
				r.Post("/", handler.CreateMeetup)
				r.Get("/", handler.ListMeetups)
				r.Get("/{id}", handler.GetMeetup)
				r.Delete("/{id}", handler.DeleteMeetup)
				r.Get("/{id}/upi", handler.MeetupUPI)
				r.Get("/{id}/upi.png", handler.MeetupUPIQR)
				r.Post("/{id}/{action}", handler.MeetupAction)
			})
		})

		r.With(authn.Middleware(true)).Get("/live", handler.LiveFeed)
	})

	return &Server{Router: r}
}

// cors allows the listed origins, or any origin when the list is empty
// or contains "*".
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	open := len(allowed) == 0 || allowed["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (open || allowed[origin]) {
				h := w.Header()
				if open {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
