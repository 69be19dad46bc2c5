package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

// commandCmd runs an /explosionprotector command on a live server as the
// console, e.g. `admin cmd -- cache clear`.
func commandCmd(args []string) {
	fs := flag.NewFlagSet("cmd", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	locale := fs.String("locale", "", "reply language (en, ru)")
	_ = fs.Parse(args)

	body, _ := json.Marshal(map[string]any{"args": fs.Args(), "locale": *locale})
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/command"
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out struct {
		OK    bool     `json:"ok"`
		Lines []string `json:"lines"`
	}
	b, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(b, &out); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(string(b)))
		os.Exit(1)
	}
	for _, l := range out.Lines {
		fmt.Println(l)
	}
	if !out.OK {
		os.Exit(1)
	}
}
