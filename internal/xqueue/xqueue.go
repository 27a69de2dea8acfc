// Package xqueue talks to the external grading service.
//
// The protocol is asynchronous-as-a-protocol: a synchronous submit call
// enqueues the work and the grade arrives later as an HTTP callback to the
// LMS. The queue key inside the header is the capability token correlating
// the two.
package xqueue

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrRejected is returned when the queue accepts the connection but refuses
// the submission; the wrapped message is human-readable.
var ErrRejected = errors.New("submission rejected by queue")

// Header is the xqueue routing header, echoed back verbatim in callbacks.
type Header struct {
	LMSCallbackURL string `json:"lms_callback_url"`
	LMSKey         string `json:"lms_key"`
	QueueName      string `json:"queue_name"`
}

// MakeXHeader serializes the routing header for delivery and reply matching.
func MakeXHeader(callbackURL, lmsKey, queueName string) (string, error) {
	buf, err := json.Marshal(Header{
		LMSCallbackURL: callbackURL,
		LMSKey:         lmsKey,
		QueueName:      queueName,
	})
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// MakeHashKey generates a queue key by hashing the seed material with the
// current time. Keys are treated as single-use capability tokens.
func MakeHashKey(seed string) string {
	h := md5.New()
	io.WriteString(h, seed)
	io.WriteString(h, fmt.Sprint(time.Now().UnixNano()))
	return fmt.Sprintf("%x", h.Sum(nil))
}

type xreply struct {
	ReturnCode int    `json:"return_code"`
	Content    string `json:"content"`
}

// ParseXReply decodes the synchronous reply to a submit call.
// return_code 0 means accepted; anything else is a rejection with content
// as the reason.
func ParseXReply(raw []byte) (returnCode int, content string, err error) {
	var r xreply
	if err := json.Unmarshal(raw, &r); err != nil {
		return 1, "", fmt.Errorf("unexpected reply from server: %w", err)
	}
	return r.ReturnCode, r.Content, nil
}

// Auth is the queue service's session credentials.
type Auth struct {
	Username string
	Password string
}

// Submitter is the narrow interface response types use to enqueue work.
type Submitter interface {
	SendToQueue(ctx context.Context, header, body string, files map[string][]byte) error
}

// Interface is the HTTP client for the queue service.
type Interface struct {
	URL  string // base url, e.g. https://xqueue.example.com
	Auth Auth
	HTTP *http.Client
}

// New builds a queue client with a cookie-holding HTTP client (the queue
// service uses session auth).
func New(baseURL string, auth Auth) *Interface {
	jar, _ := cookiejar.New(nil)
	return &Interface{
		URL:  strings.TrimRight(baseURL, "/"),
		Auth: auth,
		HTTP: &http.Client{Timeout: 15 * time.Second, Jar: jar},
	}
}

// SendToQueue submits a grading request. On a "login_required" rejection it
// re-authenticates once and retries once; it never loops.
func (x *Interface) SendToQueue(ctx context.Context, header, body string, files map[string][]byte) error {
	code, msg, err := x.submit(ctx, header, body, files)
	if err != nil {
		return err
	}
	if code != 0 && msg == "login_required" {
		if err := x.login(ctx); err != nil {
			return err
		}
		code, msg, err = x.submit(ctx, header, body, files)
		if err != nil {
			return err
		}
	}
	if code != 0 {
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return nil
}

func (x *Interface) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", x.Auth.Username)
	form.Set("password", x.Auth.Password)
	code, msg, err := x.post(ctx, x.URL+"/xqueue/login/", form, nil)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("xqueue login failed: %s", msg)
	}
	return nil
}

func (x *Interface) submit(ctx context.Context, header, body string, files map[string][]byte) (int, string, error) {
	form := url.Values{}
	form.Set("xqueue_header", header)
	form.Set("xqueue_body", body)
	return x.post(ctx, x.URL+"/xqueue/submit/", form, files)
}

func (x *Interface) post(ctx context.Context, endpoint string, form url.Values, files map[string][]byte) (int, string, error) {
	var req *http.Request
	var err error
	if len(files) == 0 {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return 1, "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k := range form {
			_ = mw.WriteField(k, form.Get(k))
		}
		// deterministic order keeps request logs diffable
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fw, err := mw.CreateFormFile(name, name)
			if err != nil {
				return 1, "", err
			}
			if _, err := fw.Write(files[name]); err != nil {
				return 1, "", err
			}
		}
		if err := mw.Close(); err != nil {
			return 1, "", err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
		if err != nil {
			return 1, "", err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
	}

	resp, err := x.HTTP.Do(req)
	if err != nil {
		log.Printf("xqueue: cannot connect to %s: %v", endpoint, err)
		return 1, "", fmt.Errorf("cannot connect to server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1, "", fmt.Errorf("unexpected HTTP status code [%d]", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 1, "", err
	}
	return ParseXReply(raw)
}
