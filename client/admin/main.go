// Command admin calls the bridge's signed admin endpoints.
package main

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	addr   = flag.String("addr", "http://localhost:8080", "bridge base url")
	secret = flag.String("secret", "", "admin secret")
	action = flag.String("action", "status", "status or reinit")
)

type Result struct {
	Code string          `json:"code"`
	Data json.RawMessage `json:"data"`
}

func MD5(s string) string {
	m := md5.New()
	m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

func main() {
	flag.Parse()
	r, err := call(*action)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(r.Code, string(r.Data))
}

func call(action string) (Result, error) {
	method := http.MethodGet
	body := ""
	switch action {
	case "status":
	case "reinit":
		method = http.MethodPost
		body = "{}"
	default:
		return Result{}, fmt.Errorf("unknown action %q", action)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	u, err := url.Parse(strings.TrimRight(*addr, "/") + "/admin/" + action)
	if err != nil {
		return Result{}, err
	}
	params := url.Values{}
	params.Set("sign", MD5(*secret+body+ts))
	params.Set("ts", ts)
	u.RawQuery = params.Encode()

	req, err := http.NewRequest(method, u.String(), strings.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	result := Result{}
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("%s: %s", resp.Status, data)
	}
	return result, nil
}
