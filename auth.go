package main

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

func CheckTokenMD5(secret, user, m, timestamp, pk string) bool {
	h := md5.New()
	h.Write([]byte(secret + user + m + timestamp))
	return hex.EncodeToString(h.Sum(nil)) == pk
}

func CheckSignMD5(secret, data, timestamp, pk string) bool {
	h := md5.New()
	h.Write([]byte(secret + data + timestamp))
	return hex.EncodeToString(h.Sum(nil)) == pk
}

// fresh reports whether the unix timestamp ts lies within maxAge of now.
// A zero maxAge accepts any timestamp.
func fresh(ts string, maxAge time.Duration, now time.Time) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	d := now.Sub(time.Unix(sec, 0))
	if d < 0 {
		d = -d
	}
	return d <= maxAge
}

// viewerAuth checks the u, ts and tk query parameters of a websocket
// upgrade, where tk = md5(secret+u+ts). With no secret every viewer is let
// in.
func viewerAuth(secret string, maxAge time.Duration) func(r *http.Request) bool {
	if secret == "" {
		return nil
	}
	return func(r *http.Request) bool {
		q := r.URL.Query()
		u, ts, tk := q.Get("u"), q.Get("ts"), q.Get("tk")
		if u == "" || tk == "" || !fresh(ts, maxAge, time.Now()) {
			return false
		}
		return CheckTokenMD5(secret, u, "", ts, tk)
	}
}
