package cdp_test

import (
	"strconv"
	"strings"
	"testing"

	cdpadapter "mitmhijack/internal/adapter/cdp"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

func TestRequestToRaw(t *testing.T) {
	post := "a=1"
	ev := &fetch.RequestPausedReply{
		RequestID: "1",
		Request: network.Request{
			URL:      "https://example.com/path?q=1",
			Method:   "POST",
			Headers:  network.Headers(`{"Content-Type":"application/x-www-form-urlencoded","X-Test":"v"}`),
			PostData: &post,
		},
	}
	got := string(cdpadapter.RequestToRaw(ev))
	want := "POST /path?q=1 HTTP/1.1\r\nHost: example.com\r\nContent-Type: application/x-www-form-urlencoded\r\nX-Test: v\r\n\r\na=1"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestRequestBodyFromEntries(t *testing.T) {
	b1, b2 := "aGVsbG8g", "d29ybGQ="
	ev := &fetch.RequestPausedReply{
		Request: network.Request{
			PostDataEntries: []network.PostDataEntry{{Bytes: &b1}, {Bytes: &b2}},
		},
	}
	if got := string(cdpadapter.RequestBody(ev)); got != "hello world" {
		t.Errorf("got %q", got)
	}
}

func TestRawToRequest(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		orig       string
		wantMethod string
		wantURL    string
		wantBody   string
	}{
		{"相对路径沿用原协议", "GET /x HTTP/1.1\r\nHost: a.com\r\n\r\n", "https://a.com/old", "GET", "https://a.com/x", ""},
		{"绝对路径", "PUT http://b.com/y HTTP/1.1\r\n\r\nzz", "https://a.com/", "PUT", "http://b.com/y", "zz"},
		{"LF 换行且 Content-Length 未更新", "POST /z HTTP/1.1\nHost: a.com\nContent-Length: 1\n\nlonger body", "http://a.com/", "POST", "http://a.com/z", "longer body"},
		{"缺少 Host 使用原 URL", "GET /k HTTP/1.1\r\n\r\n", "http://c.com:8080/", "GET", "http://c.com:8080/k", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := cdpadapter.RawToRequest([]byte(tt.raw), tt.orig)
			if err != nil {
				t.Fatal(err)
			}
			if req.Method != tt.wantMethod || req.URL != tt.wantURL || string(req.Body) != tt.wantBody {
				t.Errorf("got %s %s %q", req.Method, req.URL, req.Body)
			}
			for _, h := range req.Headers {
				if h.Name == "Host" {
					t.Error("Host 头不应透传")
				}
				if h.Name == "Content-Length" && h.Value != strconv.Itoa(len(tt.wantBody)) {
					t.Errorf("Content-Length 应按实际内容计算, got %s", h.Value)
				}
			}
		})
	}
}

func TestRawToRequestInvalid(t *testing.T) {
	if _, err := cdpadapter.RawToRequest([]byte("not a request"), ""); err == nil {
		t.Error("非法报文应返回错误")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	code := 404
	ev := &fetch.RequestPausedReply{
		ResponseStatusCode: &code,
		ResponseHeaders: []fetch.HeaderEntry{
			{Name: "Content-Type", Value: "text/html"},
			{Name: "Content-Encoding", Value: "gzip"},
		},
	}
	raw := cdpadapter.ResponseToRaw(ev, []byte("<p>missing</p>"))
	if !strings.HasPrefix(string(raw), "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("状态行错误: %q", raw)
	}

	resp, err := cdpadapter.RawToResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 || string(resp.Body) != "<p>missing</p>" {
		t.Errorf("got %d %q", resp.StatusCode, resp.Body)
	}
	for _, h := range resp.Headers {
		if h.Name == "Content-Encoding" {
			t.Error("解码后的响应体不应保留 Content-Encoding")
		}
	}
}
