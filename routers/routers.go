package routers

import (
	"net/http"

	"chain-ingest/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes of the node
func RegisterRoutes(r *mux.Router, h *handlers.Handler, metrics http.Handler) {

	// Blocks pushed directly by peers
	r.HandleFunc("/blocks", h.SubmitBlock).Methods("POST")

	// Header announcements from peers
	r.HandleFunc("/announcements", h.AnnounceBlock).Methods("POST")

	// Header ranges answering a header pull
	r.HandleFunc("/headers", h.SubmitHeaders).Methods("POST")

	r.HandleFunc("/blocks/{hash}", h.GetBlock).Methods("GET")
	r.HandleFunc("/branches/{name}/tip", h.GetBranchTip).Methods("GET")
	r.HandleFunc("/checkpoints", h.GetCheckpoints).Methods("GET")

	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
}
