package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"swapledger/internal/engine"
	"swapledger/internal/store"
	"swapledger/internal/validate"
	"swapledger/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	eng            *engine.Engine
	hub            *Hub
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(eng *engine.Engine, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		eng:            eng,
		hub:            hub,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "api-handlers"),
	}
}

// errorBody is the categorized error response shape.
type errorBody struct {
	Error struct {
		Category string   `json:"category"`
		Messages []string `json:"messages"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, category string, messages ...string) {
	var body errorBody
	body.Error.Category = category
	body.Error.Messages = messages
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleSubmit accepts one trade and processes it synchronously. Backdated
// trades are accepted for asynchronous reconciliation and answered with 202.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var trade types.TradeEvent
	if err := json.NewDecoder(r.Body).Decode(&trade); err != nil {
		writeError(w, http.StatusBadRequest, validate.CategorySchema, "invalid JSON body: "+err.Error())
		return
	}

	res, err := h.eng.Submit(r.Context(), trade)
	if err != nil {
		var verr *validate.Error
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusUnprocessableEntity, verr.Category, verr.Messages...)
		case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "CAPACITY", err.Error())
		default:
			h.logger.Error("submit failed", "trade_id", trade.TradeID, "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "trade processing failed")
		}
		return
	}

	status := http.StatusOK
	if res.Status == engine.StatusProvisional {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// HandleGetPosition returns one snapshot by position key.
func (h *Handlers) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	snap, err := h.eng.Store().GetSnapshot(r.Context(), r.PathValue("key"))
	if err != nil {
		h.logger.Error("get position failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "position not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleGetByUPI returns the snapshot currently carrying a UPI.
func (h *Handlers) HandleGetByUPI(w http.ResponseWriter, r *http.Request) {
	snap, err := h.eng.Store().GetSnapshotByUPI(r.Context(), r.PathValue("upi"))
	if err != nil {
		h.logger.Error("get by upi failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no position carries this UPI")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleGetEvents returns a position's event stream in canonical order.
func (h *Handlers) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.eng.Store().ListEvents(r.Context(), r.PathValue("key"))
	if err != nil {
		h.logger.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleGetHistory returns a position's UPI lifecycle audit log.
func (h *Handlers) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.eng.Store().ListHistory(r.Context(), r.PathValue("key"))
	if err != nil {
		h.logger.Error("list history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	if history == nil {
		history = []types.UPIHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleListPositions pages snapshots filtered by account, instrument or
// contract.
func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SnapshotFilter{
		Account:    q.Get("account"),
		Instrument: q.Get("instrument"),
		ContractID: q.Get("contractId"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, validate.CategorySchema, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, validate.CategorySchema, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	snaps, err := h.eng.Store().ListSnapshots(r.Context(), filter)
	if err != nil {
		h.logger.Error("list positions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	if snaps == nil {
		snaps = []types.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// tradeLookup answers a trade-id query: the committed event plus the head
// version of its stream, so an operator can see how far the position has
// moved since the trade landed.
type tradeLookup struct {
	Event         types.Event `json:"event"`
	StreamVersion int64       `json:"streamVersion"`
}

// HandleGetTrade resolves a trade id to its committed event.
func (h *Handlers) HandleGetTrade(w http.ResponseWriter, r *http.Request) {
	ev, err := h.eng.Store().FindEventByTradeID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("trade lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no committed event carries this trade id")
		return
	}
	head, err := h.eng.Store().LatestVersion(r.Context(), ev.PositionKey)
	if err != nil {
		h.logger.Error("latest version lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "query failed")
		return
	}
	writeJSON(w, http.StatusOK, tradeLookup{Event: *ev, StreamVersion: head})
}

// HandleArchivePartition flips one partition's events and snapshots into
// the archive tier. Operator entry point for the retention job.
func (h *Handlers) HandleArchivePartition(w http.ResponseWriter, r *http.Request) {
	p, err := strconv.Atoi(r.PathValue("partition"))
	if err != nil || p < 0 {
		writeError(w, http.StatusBadRequest, validate.CategorySchema, "partition must be a non-negative integer")
		return
	}
	n, err := h.eng.Store().ArchivePartition(r.Context(), p)
	if err != nil {
		h.logger.Error("archive partition failed", "partition", p, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "archive failed")
		return
	}
	h.logger.Info("partition archived", "partition", p, "rows", n)
	writeJSON(w, http.StatusOK, map[string]any{"partition": p, "rowsArchived": n})
}

// HandleHealth reports liveness plus engine counters.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"counters": h.eng.Counters(),
	})
}

// HandleWebSocket upgrades the connection into a read-only stream tap.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !isOriginAllowed(r.Header.Get("Origin"), h.allowedOrigins, r.Host) {
		h.logger.Warn("websocket origin rejected", "origin", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}
