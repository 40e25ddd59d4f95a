// Package erptest runs an in-memory stand-in for the ERP's JSON-RPC endpoint.
package erptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

const UID = 7

type Record map[string]any

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	nextID      int64
	records     map[string]map[int64]Record
	calls       map[string]int
	unavailable bool
	reject      map[string]string
	createDelay time.Duration
}

func NewServer() *Server {
	s := &Server{
		nextID:  100,
		records: map[string]map[int64]Record{},
		calls:   map[string]int{},
		reject:  map[string]string{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetUnavailable makes every call answer 503 until switched back.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// Reject makes create on model raise a ValidationError with message.
func (s *Server) Reject(model, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message == "" {
		delete(s.reject, model)
		return
	}
	s.reject[model] = message
}

// SetCreateDelay widens the window between search and create so races show up.
func (s *Server) SetCreateDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createDelay = d
}

func (s *Server) Records(model string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records[model]))
	for _, r := range s.records[model] {
		out = append(out, r)
	}
	return out
}

func (s *Server) Count(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[model])
}

// Calls returns how many times model.method was executed.
func (s *Server) Calls(model, method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model+"."+method]
}

type request struct {
	ID     int64 `json:"id"`
	Params struct {
		Service string            `json:"service"`
		Method  string            `json:"method"`
		Args    []json.RawMessage `json:"args"`
	} `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.unavailable
	s.mu.Unlock()
	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if req.Params.Service == "common" && req.Params.Method == "authenticate" {
		reply(w, req.ID, UID)
		return
	}
	if req.Params.Service != "object" || len(req.Params.Args) < 6 {
		raise(w, req.ID, "odoo.exceptions.UserError", "unsupported call")
		return
	}

	var model, method string
	_ = json.Unmarshal(req.Params.Args[3], &model)
	_ = json.Unmarshal(req.Params.Args[4], &method)

	var args []json.RawMessage
	_ = json.Unmarshal(req.Params.Args[5], &args)

	s.mu.Lock()
	s.calls[model+"."+method]++
	s.mu.Unlock()

	switch method {
	case "search":
		var domain [][]any
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &domain)
		}
		reply(w, req.ID, s.search(model, domain))
	case "create":
		var values Record
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &values)
		}
		id, msg := s.create(model, values)
		if msg != "" {
			raise(w, req.ID, "odoo.exceptions.ValidationError", msg)
			return
		}
		reply(w, req.ID, id)
	case "read":
		var ids []int64
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &ids)
		}
		reply(w, req.ID, s.read(model, ids, fieldsOf(req.Params.Args)))
	case "search_read":
		var domain [][]any
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &domain)
		}
		reply(w, req.ID, s.read(model, s.search(model, domain), fieldsOf(req.Params.Args)))
	case "write":
		var ids []int64
		var values Record
		if len(args) > 1 {
			_ = json.Unmarshal(args[0], &ids)
			_ = json.Unmarshal(args[1], &values)
		}
		if msg := s.write(model, ids, values); msg != "" {
			raise(w, req.ID, "odoo.exceptions.MissingError", msg)
			return
		}
		reply(w, req.ID, true)
	default:
		raise(w, req.ID, "odoo.exceptions.UserError", fmt.Sprintf("method %s not supported", method))
	}
}

func (s *Server) search(model string, domain [][]any) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := []int64{}
	for id, rec := range s.records[model] {
		if matches(rec, domain) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) create(model string, values Record) (int64, string) {
	s.mu.Lock()
	delay := s.createDelay
	msg := s.reject[model]
	s.mu.Unlock()

	if msg != "" {
		return 0, msg
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if s.records[model] == nil {
		s.records[model] = map[int64]Record{}
	}
	values["id"] = s.nextID
	s.records[model][s.nextID] = values
	return s.nextID, ""
}

// fieldsOf reads the "fields" kwarg; nil means every field.
func fieldsOf(params []json.RawMessage) []string {
	if len(params) < 7 {
		return nil
	}
	var kwargs struct {
		Fields []string `json:"fields"`
	}
	_ = json.Unmarshal(params[6], &kwargs)
	return kwargs.Fields
}

func (s *Server) read(model string, ids []int64, fields []string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Record{}
	for _, id := range ids {
		rec, ok := s.records[model][id]
		if !ok {
			continue
		}
		if len(fields) == 0 {
			out = append(out, rec)
			continue
		}
		picked := Record{"id": id}
		for _, f := range fields {
			picked[f] = rec[f]
		}
		out = append(out, picked)
	}
	return out
}

func (s *Server) write(model string, ids []int64, values Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.records[model][id]; !ok {
			return fmt.Sprintf("record %s(%d) does not exist", model, id)
		}
	}
	for _, id := range ids {
		for k, v := range values {
			s.records[model][id][k] = v
		}
	}
	return ""
}

func matches(rec Record, domain [][]any) bool {
	for _, term := range domain {
		if len(term) != 3 {
			return false
		}
		field, _ := term[0].(string)
		op, _ := term[1].(string)
		want := fmt.Sprint(term[2])
		got := fmt.Sprint(rec[field])

		switch op {
		case "=":
			if got != want {
				return false
			}
		case "=ilike":
			if !strings.EqualFold(got, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func reply(w http.ResponseWriter, id int64, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func raise(w http.ResponseWriter, id int64, name, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    200,
			"message": "Odoo Server Error",
			"data":    map[string]any{"name": name, "message": message},
		},
	})
}
