package rest

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handlerFunc func(http.ResponseWriter, *http.Request) error

func checkError(f handlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if err := f(rw, req); err != nil {
			log.WithError(err).Warnf("Request %s %s failed", req.Method, req.URL.Path)
			http.Error(rw, err.Error(), statusCode(err))
		}
	}
}

// NewRouter wires the caller-facing operations, status, and metrics.
func NewRouter(s *Server) http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	router.HandleFunc("/v1/status", checkError(s.GetStatus)).Methods("GET")

	router.HandleFunc("/v1/buffers", checkError(s.AllocBuffer)).Methods("POST")
	router.HandleFunc("/v1/buffers/write", checkError(s.WriteBuffer)).Methods("POST")
	router.HandleFunc("/v1/buffers/read", checkError(s.ReadBuffer)).Methods("POST")

	router.HandleFunc("/v1/mrs", checkError(s.RegisterMR)).Methods("POST")
	router.HandleFunc("/v1/mrs/{id}", checkError(s.DeregisterMR)).Methods("DELETE")

	router.HandleFunc("/v1/qps", checkError(s.CreateQP)).Methods("POST")
	router.HandleFunc("/v1/qps/{id}", checkError(s.DestroyQP)).Methods("DELETE")
	router.HandleFunc("/v1/qps/{id}/connect", checkError(s.ConnectQP)).Methods("POST")
	router.HandleFunc("/v1/qps/{id}/post", checkError(s.PostSend)).Methods("POST")
	router.HandleFunc("/v1/qps/{id}/poll", checkError(s.PollCQ)).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return handlers.LoggingHandler(log.Logger.Writer(), router)
}
