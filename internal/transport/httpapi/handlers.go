package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/service/allocation"
)

const maxBodyBytes = 1 << 20

var errInvalidJSON = errors.New("invalid json body")

type batchRequest struct {
	Reference string  `json:"reference"`
	SKU       string  `json:"sku"`
	Qty       int     `json:"qty"`
	ETA       *string `json:"eta"`
}

type orderLineRequest struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type batchRefResponse struct {
	BatchRef string `json:"batchref"`
}

type errorsResponse struct {
	Errors []string `json:"errors"`
}

type orderLineView struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type batchView struct {
	Reference    string          `json:"reference"`
	SKU          string          `json:"sku"`
	PurchasedQty int             `json:"purchased_qty"`
	AvailableQty int             `json:"available_qty"`
	AllocatedQty int             `json:"allocated_qty"`
	ETA          *string         `json:"eta"`
	Version      int64           `json:"version"`
	Allocations  []orderLineView `json:"allocations"`
}

func (a *API) addBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	eta, err := parseETA(req.ETA)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	spec := allocation.BatchSpec{
		Reference: strings.TrimSpace(req.Reference),
		SKU:       strings.TrimSpace(req.SKU),
		Qty:       req.Qty,
		ETA:       eta,
	}
	if err := a.service.AddBatch(r.Context(), spec); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct{}{})
}

func (a *API) allocate(w http.ResponseWriter, r *http.Request) {
	line, ok := decodeOrderLine(w, r)
	if !ok {
		return
	}

	batchRef, err := a.service.Allocate(r.Context(), line)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, batchRefResponse{BatchRef: batchRef})
}

func (a *API) deallocate(w http.ResponseWriter, r *http.Request) {
	line, ok := decodeOrderLine(w, r)
	if !ok {
		return
	}

	batchRef, err := a.service.Deallocate(r.Context(), line)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, batchRefResponse{BatchRef: batchRef})
}

func (a *API) getBatch(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]

	batch, err := a.service.GetBatch(r.Context(), reference)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toBatchView(batch))
}

func decodeOrderLine(w http.ResponseWriter, r *http.Request) (domain.OrderLine, bool) {
	var req orderLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return domain.OrderLine{}, false
	}
	return domain.OrderLine{
		OrderID: strings.TrimSpace(req.OrderID),
		SKU:     strings.TrimSpace(req.SKU),
		Qty:     req.Qty,
	}, true
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errInvalidJSON
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errInvalidJSON
	}
	return nil
}

// parseETA принимает дату в формате YYYY-MM-DD; пустое значение означает партию на складе.
func parseETA(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	eta, err := time.Parse(time.DateOnly, strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("eta must be a date in %s format", "YYYY-MM-DD")
	}
	return &eta, nil
}

func toBatchView(batch *domain.Batch) batchView {
	view := batchView{
		Reference:    batch.Reference,
		SKU:          batch.SKU,
		PurchasedQty: batch.PurchasedQuantity(),
		AvailableQty: batch.AvailableQuantity(),
		AllocatedQty: batch.AllocatedQuantity(),
		Version:      batch.Version,
		Allocations:  make([]orderLineView, 0),
	}
	if batch.ETA != nil {
		eta := batch.ETA.Format(time.DateOnly)
		view.ETA = &eta
	}
	for _, line := range batch.Allocations() {
		view.Allocations = append(view.Allocations, orderLineView{
			OrderID: line.OrderID,
			SKU:     line.SKU,
			Qty:     line.Qty,
		})
	}
	return view
}

// writeServiceError переводит ошибку сервиса в HTTP-статус.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		writeErrors(w, http.StatusBadRequest, validation.Messages()...)
	case domain.IsAllocationRejected(err):
		writeErrors(w, http.StatusBadRequest, err.Error())
	case domain.IsVersionConflict(err):
		markRetryable(w)
		writeErrors(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrBatchAlreadyExists):
		writeErrors(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrBatchNotFound), errors.Is(err, domain.ErrOrderLineNotAllocated):
		writeErrors(w, http.StatusNotFound, err.Error())
	default:
		a.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeErrors(w, http.StatusInternalServerError, "internal error")
	}
}

func writeErrors(w http.ResponseWriter, status int, messages ...string) {
	writeJSON(w, status, errorsResponse{Errors: messages})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
