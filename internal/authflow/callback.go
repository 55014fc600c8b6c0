package authflow

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"
)

const callbackSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Authorization complete</title>
<style>body{font-family:sans-serif;text-align:center;margin-top:4em}</style>
</head>
<body>
<h1>Authorization complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

const callbackErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Authorization failed</title>
<style>body{font-family:sans-serif;text-align:center;margin-top:4em}</style>
</head>
<body>
<h1>Authorization failed</h1>
<p>{{.Error}}</p>
<p>Close this window and check the terminal for next steps.</p>
</body>
</html>`

// callbackResult is what the provider redirected back with.
type callbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func (r *callbackResult) isError() bool {
	return r.Error != ""
}

// callbackServer is a short-lived loopback HTTP server that receives a
// single authorization redirect and then shuts down.
type callbackServer struct {
	server    *http.Server
	listener  net.Listener
	resultCh  chan *callbackResult
	errorCh   chan error
	once      sync.Once
	serverURL string
}

func newCallbackServer() *callbackServer {
	return &callbackServer{
		resultCh: make(chan *callbackResult, 1),
		errorCh:  make(chan error, 1),
	}
}

// start binds a loopback port chosen by the OS and returns the
// redirect URI to put in the authorization request.
func (s *callbackServer) start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to bind loopback callback port: %w", err)
	}
	s.listener = listener
	s.serverURL = fmt.Sprintf("http://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	return s.serverURL + "/callback", nil
}

// wait blocks until the redirect arrives, the server fails, or the
// context ends.
func (s *callbackServer) wait(ctx context.Context) (*callbackResult, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *callbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &callbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	var tmpl *template.Template
	var data any
	if result.isError() {
		tmpl = template.Must(template.New("error").Parse(callbackErrorHTML))
		data = map[string]string{"Error": result.Error}
	} else {
		tmpl = template.Must(template.New("success").Parse(callbackSuccessHTML))
		data = map[string]string{}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	select {
	case s.resultCh <- result:
	default:
	}

	// Give the response time to flush before tearing down.
	go func() {
		time.Sleep(1 * time.Second)
		s.stop()
	}()
}

func (s *callbackServer) stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
