package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nzlov/wabridge/bridge"
)

const (
	C_OK   = "ok"
	C_FAIL = "fail"
)

type adminResult struct {
	Code string      `json:"code"`
	Data interface{} `json:"data"`
}

type adminStatus struct {
	bridge.Status
	Viewers int `json:"viewers"`
}

func adminresp(log *zap.SugaredLogger, w http.ResponseWriter, code string, content interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code != C_OK {
		w.WriteHeader(http.StatusBadRequest)
	}
	json.NewEncoder(w).Encode(adminResult{Code: code, Data: content})
	log.Info("[ADMINRESP]", code, content)
}

type admin struct {
	secret  string
	maxAge  time.Duration
	svc     *bridge.Service
	viewers func() int
	log     *zap.SugaredLogger
}

// verify checks sign = md5(adminsecret+body+ts) and returns the body.
func (a *admin) verify(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	log := a.log.With("method", "verify")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		adminresp(log, w, C_FAIL, "read body")
		return nil, false
	}

	s := r.URL.Query().Get("sign")
	if s == "" {
		adminresp(log, w, C_FAIL, "sign")
		return nil, false
	}
	ts := r.URL.Query().Get("ts")
	if ts == "" || !fresh(ts, a.maxAge, time.Now()) {
		adminresp(log, w, C_FAIL, "ts")
		return nil, false
	}
	if a.secret == "" || !CheckSignMD5(a.secret, string(body), ts, s) {
		adminresp(log, w, C_FAIL, "sign")
		return nil, false
	}
	return body, true
}

func (a *admin) status(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.verify(w, r); !ok {
		return
	}
	adminresp(a.log.With("method", "status"), w, C_OK, adminStatus{Status: a.svc.Status(), Viewers: a.viewers()})
}

func (a *admin) reinit(w http.ResponseWriter, r *http.Request) {
	log := a.log.With("method", "reinit")
	if _, ok := a.verify(w, r); !ok {
		return
	}
	log.Info("[Admin] reinitialize requested")
	a.svc.Reinitialize()
	adminresp(log, w, C_OK, a.svc.Status().Phase)
}
