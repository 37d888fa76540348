// Package k8s is a narrow typed client for the handful of Kubernetes
// calls the control plane makes. It talks to the API server directly
// over the in-cluster service account, without the client-go machinery.
package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultTokenFile     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	defaultCAFile        = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

type Client struct {
	baseURL   string
	token     string
	namespace string
	http      *http.Client
}

func NewInClusterClient() (*Client, error) {
	host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
	port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
	baseURL := "https://kubernetes.default.svc"
	if host != "" {
		if port == "" {
			port = "443"
		}
		baseURL = "https://" + host + ":" + port
	}
	return NewInClusterClientWithBaseURL(baseURL)
}

func NewInClusterClientWithBaseURL(baseURL string) (*Client, error) {
	tokenBytes, err := os.ReadFile(defaultTokenFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return nil, errors.New("serviceaccount token is empty")
	}

	namespaceBytes, err := os.ReadFile(defaultNamespaceFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount namespace: %w", err)
	}
	namespace := strings.TrimSpace(string(namespaceBytes))
	if namespace == "" {
		return nil, errors.New("serviceaccount namespace is empty")
	}

	caBytes, err := os.ReadFile(defaultCAFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("invalid serviceaccount ca bundle")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}

	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     token,
		namespace: namespace,
		// No client-wide timeout: log streams stay open for the whole
		// build. Callers bound individual requests with contexts.
		http: &http.Client{Transport: transport},
	}, nil
}

// NewClientWithToken wires an explicit endpoint and bearer token. Used
// by tests and by out-of-cluster development against a local API server.
func NewClientWithToken(baseURL, token, namespace string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:     token,
		namespace: strings.TrimSpace(namespace),
		http:      httpClient,
	}
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) resolveNamespace(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

func (c *Client) CreatePod(ctx context.Context, namespace string, pod Pod) error {
	namespace = c.resolveNamespace(namespace)
	pod.APIVersion = "v1"
	pod.Kind = "Pod"
	pod.Metadata.Namespace = namespace

	body, err := json.Marshal(pod)
	if err != nil {
		return fmt.Errorf("marshal pod: %w", err)
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods", namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) GetPod(ctx context.Context, namespace, name string) (Pod, error) {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return Pod{}, errors.New("pod name is required")
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s", namespace, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return Pod{}, err
	}
	var out Pod
	if err := c.do(req, &out); err != nil {
		return Pod{}, err
	}
	return out, nil
}

func (c *Client) ListPods(ctx context.Context, namespace, selector string) (PodList, error) {
	namespace = c.resolveNamespace(namespace)
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods", namespace)
	if selector != "" {
		path += "?labelSelector=" + url.QueryEscape(selector)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return PodList{}, err
	}
	var out PodList
	if err := c.do(req, &out); err != nil {
		return PodList{}, err
	}
	return out, nil
}

// DeletePodsBySelector removes every pod matching the label selector.
// An empty match set is not an error.
func (c *Client) DeletePodsBySelector(ctx context.Context, namespace, selector string) error {
	namespace = c.resolveNamespace(namespace)
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return errors.New("label selector is required")
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods?labelSelector=%s", namespace, url.QueryEscape(selector))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// StreamPodLogs follows a container's log stream. The caller owns the
// returned reader and must close it; cancelling ctx also tears the
// stream down.
func (c *Client) StreamPodLogs(ctx context.Context, namespace, name, container string) (io.ReadCloser, error) {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("pod name is required")
	}
	q := url.Values{}
	q.Set("follow", "true")
	if container != "" {
		q.Set("container", container)
	}
	path := fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/log?%s", namespace, name, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

func customPath(group, version, namespace, plural string) string {
	return fmt.Sprintf("/apis/%s/%s/namespaces/%s/%s", group, version, namespace, plural)
}

func (c *Client) CreateCustomObject(ctx context.Context, group, version, namespace, plural string, obj CustomObject) error {
	namespace = c.resolveNamespace(namespace)
	obj.APIVersion = group + "/" + version
	obj.Metadata.Namespace = namespace

	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", plural, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+customPath(group, version, namespace, plural), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) DeleteCustomObject(ctx context.Context, group, version, namespace, plural, name string) error {
	namespace = c.resolveNamespace(namespace)
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("object name is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+customPath(group, version, namespace, plural)+"/"+name, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) DeleteCustomObjectsBySelector(ctx context.Context, group, version, namespace, plural, selector string) error {
	namespace = c.resolveNamespace(namespace)
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return errors.New("label selector is required")
	}
	path := customPath(group, version, namespace, plural) + "?labelSelector=" + url.QueryEscape(selector)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	if req == nil {
		return errors.New("request is required")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode kubernetes response: %w", err)
		}
		return nil
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
