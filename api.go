package dht

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// local debug/status api served next to the sync endpoint.
// diagnostics only, no binary contract

type nodeStatus struct {
	NodeId      string `json:"node_id"`
	Attachment  string `json:"attachment"`
	PeerCount   int    `json:"peer_count"`
	RecordCount int    `json:"record_count"`
}

type recordReport struct {
	Key               string         `json:"key"`
	SubkeySeqs        map[int]uint32 `json:"subkey_seqs"`
	IsFullyReplicated bool           `json:"is_fully_replicated"`
	TotalSubkeys      int            `json:"total_subkeys"`
}

func NewDebugRouter(node *Node) chi.Router {
	router := chi.NewRouter()

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, &nodeStatus{
			NodeId:      node.NodeId().String(),
			Attachment:  node.Attachment().String(),
			PeerCount:   node.PeerManager().ActivePeerCount(),
			RecordCount: node.Store().RecordCount(),
		})
	})

	router.Get("/records/{key}", func(w http.ResponseWriter, r *http.Request) {
		key, err := ParseRecordKey(chi.URLParam(r, "key"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		descriptor, err := node.Store().Descriptor(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		seqs, err := node.Store().SubkeySeqs(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJson(w, &recordReport{
			Key:               key.String(),
			SubkeySeqs:        seqs,
			IsFullyReplicated: node.Store().IsRoutable(key),
			TotalSubkeys:      descriptor.Schema.TotalSubkeys(),
		})
	})

	return router
}

func writeJson(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}
