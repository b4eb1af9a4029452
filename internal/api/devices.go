package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iotgo-core/internal/device"
	"github.com/nerrad567/iotgo-core/internal/protocol"
)

// addDeviceRequest claims a factory device for the caller's account.
type addDeviceRequest struct {
	DeviceID string `json:"deviceid"`
	APIKey   string `json:"apikey"`
	Name     string `json:"name"`
	Group    string `json:"group"`
}

// updateDeviceRequest changes the editable fields of an owned device.
type updateDeviceRequest struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// handleListDevices returns every device owned by the caller.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListByAPIKey(r.Context(), apiKeyFromContext(r.Context()))
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleAddDevice claims a factory device using the apikey flashed into it.
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if !device.ValidID(req.DeviceID) || !device.ValidID(req.APIKey) {
		writeValidationError(w, "deviceid and apikey must be valid ids")
		return
	}

	owner := apiKeyFromContext(r.Context())
	dev, err := s.devices.Claim(r.Context(), owner, req.APIKey, req.DeviceID, req.Name, req.Group)
	switch {
	case errors.Is(err, device.ErrFactoryDeviceNotFound):
		writeNotFound(w, "factory device not found")
		return
	case errors.Is(err, device.ErrDeviceExists):
		writeConflict(w, "device already added")
		return
	case errors.Is(err, device.ErrInvalidName), errors.Is(err, device.ErrInvalidDevice), errors.Is(err, device.ErrInvalidID):
		writeValidationError(w, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to add device", "deviceid", req.DeviceID, "error", err)
		writeInternalError(w, "failed to add device")
		return
	}

	s.logger.Info("device added", "deviceid", dev.DeviceID, "type", dev.Type)
	s.publishChange(dev, false)
	writeJSON(w, http.StatusCreated, dev)
}

// handleGetDevice returns one owned device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceid")
	dev, err := s.devices.GetOwned(r.Context(), apiKeyFromContext(r.Context()), id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeNotFound(w, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get device", "deviceid", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleUpdateDevice renames or regroups an owned device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceid")

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	dev, err := s.devices.UpdateInfo(r.Context(), apiKeyFromContext(r.Context()), id, req.Name, req.Group)
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
		return
	case errors.Is(err, device.ErrInvalidName), errors.Is(err, device.ErrInvalidDevice):
		writeValidationError(w, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to update device", "deviceid", id, "error", err)
		writeInternalError(w, "failed to update device")
		return
	}

	s.publishChange(dev, false)
	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes an owned device and its history.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceid")

	dev, err := s.devices.Delete(r.Context(), apiKeyFromContext(r.Context()), id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeNotFound(w, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to delete device", "deviceid", id, "error", err)
		writeInternalError(w, "failed to delete device")
		return
	}

	s.logger.Info("device deleted", "deviceid", id)
	s.publishChange(dev, true)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceHistory returns the newest history entries of an owned device.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceid")

	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if _, err := s.devices.GetOwned(r.Context(), apiKeyFromContext(r.Context()), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("failed to get device", "deviceid", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}

	entries, err := s.devices.History(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to read history", "deviceid", id, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceid": id,
		"history":  entries,
		"count":    len(entries),
	})
}

// publishChange announces a device record change on the bus.
func (s *Server) publishChange(dev *device.Device, removed bool) {
	s.bus.Publish(protocol.Event{
		Type:     protocol.EventDeviceChange,
		DeviceID: dev.DeviceID,
		APIKey:   dev.APIKey,
		Device:   dev,
		Removed:  removed,
		Time:     time.Now().UTC(),
	})
}
