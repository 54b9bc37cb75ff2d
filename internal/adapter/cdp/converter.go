package cdp

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/tidwall/gjson"
)

// ParsedRequest 从原始报文解析出的请求改写
type ParsedRequest struct {
	Method  string
	URL     string
	Headers []fetch.HeaderEntry
	Body    []byte
}

// ParsedResponse 从原始报文解析出的响应改写
type ParsedResponse struct {
	StatusCode int
	Headers    []fetch.HeaderEntry
	Body       []byte
}

// 由浏览器或 fulfill 重新计算的头
var hopHeaders = map[string]bool{
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
	"Connection":        true,
	"Host":              true,
}

// RequestHeaders 解析事件中的请求头，保持原始顺序
func RequestHeaders(ev *fetch.RequestPausedReply) []fetch.HeaderEntry {
	var out []fetch.HeaderEntry
	if len(ev.Request.Headers) == 0 {
		return out
	}
	gjson.ParseBytes(ev.Request.Headers).ForEach(func(k, v gjson.Result) bool {
		out = append(out, fetch.HeaderEntry{Name: k.String(), Value: v.String()})
		return true
	})
	return out
}

// RequestBody 优先使用 PostDataEntries，回退到 PostData
func RequestBody(ev *fetch.RequestPausedReply) []byte {
	if len(ev.Request.PostDataEntries) > 0 {
		var parts [][]byte
		for _, entry := range ev.Request.PostDataEntries {
			if entry.Bytes == nil {
				continue
			}
			b, err := base64.StdEncoding.DecodeString(*entry.Bytes)
			if err != nil {
				b = []byte(*entry.Bytes)
			}
			parts = append(parts, b)
		}
		return bytes.Join(parts, nil)
	}
	if ev.Request.PostData != nil {
		return []byte(*ev.Request.PostData)
	}
	return nil
}

// RequestToRaw 将暂停的请求拼成原始 HTTP/1.1 报文
func RequestToRaw(ev *fetch.RequestPausedReply) []byte {
	u, err := url.Parse(ev.Request.URL)
	target := ev.Request.URL
	host := ""
	if err == nil {
		target = u.RequestURI()
		host = u.Host
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", ev.Request.Method, target)
	headers := RequestHeaders(ev)
	if host != "" && !hasHeader(headers, "Host") {
		fmt.Fprintf(&buf, "Host: %s\r\n", host)
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(RequestBody(ev))
	return buf.Bytes()
}

// ResponseToRaw 将暂停的响应与响应体拼成原始报文
func ResponseToRaw(ev *fetch.RequestPausedReply, body []byte) []byte {
	code := http.StatusOK
	if ev.ResponseStatusCode != nil {
		code = *ev.ResponseStatusCode
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	for _, h := range ev.ResponseHeaders {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// RawToRequest 解析操作者编辑后的请求报文
// 请求行可为绝对或相对路径，相对路径按 Host 头或原 URL 补全
func RawToRequest(raw []byte, origURL string) (*ParsedRequest, error) {
	head, body := splitMessage(raw)
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}

	orig, _ := url.Parse(origURL)
	target := req.RequestURI
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		scheme, host := "http", req.Host
		if orig != nil {
			if orig.Scheme != "" {
				scheme = orig.Scheme
			}
			if host == "" {
				host = orig.Host
			}
		}
		target = scheme + "://" + host + target
	}

	return &ParsedRequest{
		Method:  req.Method,
		URL:     target,
		Headers: headerEntries(req.Header, len(body)),
		Body:    body,
	}, nil
}

// RawToResponse 解析操作者编辑后的响应报文，响应体按编辑内容整体替换
func RawToResponse(raw []byte) (*ParsedResponse, error) {
	head, body := splitMessage(raw)
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	defer resp.Body.Close()

	return &ParsedResponse{
		StatusCode: resp.StatusCode,
		Headers:    headerEntries(resp.Header, len(body)),
		Body:       body,
	}, nil
}

// splitMessage 按首个空行切分头与体，头部保留结尾空行供 net/http 解析
func splitMessage(raw []byte) (head, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return append(append([]byte(nil), raw...), "\r\n\r\n"...), nil
}

func headerEntries(h http.Header, bodyLen int) []fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for k := range h {
		if hopHeaders[k] {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]fetch.HeaderEntry, 0, len(names)+1)
	for _, k := range names {
		for _, v := range h[k] {
			out = append(out, fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	if bodyLen > 0 {
		out = append(out, fetch.HeaderEntry{Name: "Content-Length", Value: strconv.Itoa(bodyLen)})
	}
	return out
}

func hasHeader(headers []fetch.HeaderEntry, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}
