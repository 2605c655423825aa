package web

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"cuewatch/internal/ipc"
	"cuewatch/internal/reminder"
)

// ownTracksMessage is the subset of the OwnTracks HTTP payload we use.
// See https://owntracks.org/booklet/tech/json/.
type ownTracksMessage struct {
	Type     string  `json:"_type"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"acc"`
	Battery  *int    `json:"batt"`
	// BatteryStatus: 0 unknown, 1 unplugged, 2 charging, 3 full.
	BatteryStatus int   `json:"bs"`
	Timestamp     int64 `json:"tst"`
}

func (m ownTracksMessage) at() time.Time {
	if m.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(m.Timestamp, 0)
}

// handleOwnTracks answers with an empty array, which the app expects.
func (s *Server) handleOwnTracks(w http.ResponseWriter, r *http.Request) {
	var msg ownTracksMessage
	if err := decodeBody(w, r, &msg); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.Type != "location" {
		log.Printf("[DEBUG] Ignoring OwnTracks message of type %q", msg.Type)
		s.sendJSON(w, http.StatusOK, []interface{}{})
		return
	}

	ctx := r.Context()
	loc := reminder.Location{Lat: msg.Lat, Lon: msg.Lon, Accuracy: msg.Accuracy, At: msg.at()}
	if _, err := s.engine.HandleLocation(ctx, loc); err != nil {
		log.Printf("[WARN] Location tick from OwnTracks reported errors: %v", err)
	}
	if msg.Battery != nil && *msg.Battery >= 0 && *msg.Battery <= 100 {
		b := reminder.Battery{Level: *msg.Battery, Charging: msg.BatteryStatus >= 2, At: msg.at()}
		if _, err := s.engine.HandleBattery(ctx, b); err != nil {
			log.Printf("[WARN] Battery tick from OwnTracks reported errors: %v", err)
		}
	}
	s.sendJSON(w, http.StatusOK, []interface{}{})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Summary(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, sum)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.EvaluateNow(r.Context())
	if err != nil {
		log.Printf("[WARN] Evaluation reported errors: %v", err)
	}
	s.sendData(w, rep)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var args ipc.LocationArgs
	if err := decodeBody(w, r, &args); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := s.engine.HandleLocation(r.Context(), reminder.Location{Lat: args.Lat, Lon: args.Lon, Accuracy: args.Accuracy})
	if err != nil {
		log.Printf("[WARN] Location tick reported errors: %v", err)
	}
	s.sendData(w, rep)
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	var args ipc.BatteryArgs
	if err := decodeBody(w, r, &args); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if args.Level < 0 || args.Level > 100 {
		s.sendError(w, http.StatusBadRequest, "battery level must be between 0 and 100")
		return
	}
	rep, err := s.engine.HandleBattery(r.Context(), reminder.Battery{Level: args.Level, Charging: args.Charging})
	if err != nil {
		log.Printf("[WARN] Battery tick reported errors: %v", err)
	}
	s.sendData(w, rep)
}

func (s *Server) handleReminderList(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListReminders(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, list)
}

func (s *Server) handleReminderGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.engine.ReminderStatus(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, st)
}

func (s *Server) handleReminderComplete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.engine.CompleteReminder(r.Context(), id)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if ev == nil {
		s.sendJSON(w, http.StatusOK, ipc.Response{Success: false, Message: "nothing to complete"})
		return
	}
	s.sendData(w, ev)
}

// handleEvents takes optional reminder and limit query parameters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var id int64
	var limit int
	q := r.URL.Query()
	if v := q.Get("reminder"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "cannot parse reminder id "+strconv.Quote(v))
			return
		}
		id = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "cannot parse limit "+strconv.Quote(v))
			return
		}
		limit = n
	}
	evs, err := s.engine.Events(r.Context(), id, limit)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, evs)
}

func (s *Server) handleGeofences(w http.ResponseWriter, r *http.Request) {
	fences, err := s.engine.Geofences(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	s.sendData(w, fences)
}

func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.engine.Alarm())
}

func (s *Server) handleAlarmSnooze(w http.ResponseWriter, r *http.Request) {
	var args ipc.SnoozeArgs
	if err := decodeBody(w, r, &args); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.engine.SnoozeAlarm(r.Context(), args.Minutes)
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if !ok {
		s.sendJSON(w, http.StatusOK, ipc.Response{Success: false, Message: "no alarm to snooze or snooze limit reached"})
		return
	}
	s.sendData(w, s.engine.Alarm())
}

func (s *Server) handleAlarmDismiss(w http.ResponseWriter, r *http.Request) {
	ok, err := s.engine.DismissAlarm(r.Context())
	if err != nil {
		s.sendFailure(w, err)
		return
	}
	if !ok {
		s.sendJSON(w, http.StatusOK, ipc.Response{Success: false, Message: "no alarm to dismiss"})
		return
	}
	s.sendJSON(w, http.StatusOK, ipc.Response{Success: true, Message: "alarm dismissed"})
}
