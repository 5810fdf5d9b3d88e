package kitten

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// client for the hub http api: publish, snapshot, status

const apiRequestTimeout = 60 * time.Second
const apiDialTimeout = 5 * time.Second
const apiTlsTimeout = 5 * time.Second

// a fresh client per request with bounded timeouts, not http.DefaultClient
func newApiHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: apiDialTimeout,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: apiTlsTimeout,
		},
		Timeout: apiRequestTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

type funcApiCallback[R any] func(result R, err error)

func (self funcApiCallback[R]) Result(result R, err error) {
	self(result, err)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return funcApiCallback[R](callback)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

// the result is delivered once on the returned channel
func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	results := make(chan ApiCallbackResult[R], 1)
	return NewApiCallback(func(result R, err error) {
		results <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	}), results
}

type KittenApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
}

func NewKittenApi(apiUrl string) *KittenApi {
	return NewKittenApiWithContext(context.Background(), apiUrl)
}

func NewKittenApiWithContext(ctx context.Context, apiUrl string) *KittenApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &KittenApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimRight(apiUrl, "/"),
	}
}

// cancels in-flight requests
func (self *KittenApi) Close() {
	self.cancel()
}

func (self *KittenApi) url(path string) string {
	return fmt.Sprintf("%s%s", self.apiUrl, path)
}

type PublishChangeCallback apiCallback[*ChangeEnvelope]

// an empty `Kittens` asks the hub to attribute the change
func (self *KittenApi) PublishChange(publish *ChangeEnvelope, callback PublishChangeCallback) {
	go func() {
		result, err := self.PublishChangeSync(publish)
		callback.Result(result, err)
	}()
}

func (self *KittenApi) PublishChangeSync(publish *ChangeEnvelope) (*ChangeEnvelope, error) {
	return apiRequest[*ChangeEnvelope](self.ctx, http.MethodPost, self.url("/change"), publish)
}

func (self *KittenApi) SnapshotSync() (*ConnectEnvelope, error) {
	return apiRequest[*ConnectEnvelope](self.ctx, http.MethodGet, self.url("/snapshot"), nil)
}

func (self *KittenApi) StatusSync() (*ServerStatus, error) {
	return apiRequest[*ServerStatus](self.ctx, http.MethodGet, self.url("/status"), nil)
}

// sends `args` as a json body when not nil and decodes the json response into a new R.
// A non-200 response is an error whose message is the response body.
func apiRequest[R any](ctx context.Context, method string, url string, args any) (R, error) {
	var result R

	var body io.Reader
	if args != nil {
		argsJson, err := json.Marshal(args)
		if err != nil {
			return result, err
		}
		body = bytes.NewReader(argsJson)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return result, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	r, err := newApiHttpClient().Do(req)
	if err != nil {
		return result, err
	}
	defer r.Body.Close()

	responseJson, err := io.ReadAll(r.Body)
	if r.StatusCode != http.StatusOK {
		return result, errors.New(strings.TrimSpace(string(responseJson)))
	}
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(responseJson, &result); err != nil {
		var empty R
		return empty, err
	}
	return result, nil
}
