// Package bundler runs the module bundler's dev server beside kitdev and
// forwards module, asset and hot-reload traffic to it.
package bundler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
	"github.com/conneroisu/kitdev/internal/logging"
)

// PortPlaceholder is replaced with the allocated port in the command line.
const PortPlaceholder = "{port}"

// Service is the bundler as seen by the request router.
type Service interface {
	// HandleRequest forwards r to the bundler. With SuppressErrorResponse a
	// 404 from the bundler is returned as a not-found error and nothing is
	// written to w.
	HandleRequest(w http.ResponseWriter, r *http.Request, opts HandleOptions) error
	SendErrorResponse(w http.ResponseWriter, r *http.Request, status int)
	Port() int
	URL() string
	Close() error
}

// HandleOptions tunes a single HandleRequest call.
type HandleOptions struct {
	SuppressErrorResponse bool
}

// Options configures Start.
type Options struct {
	Command      string
	Dir          string
	Host         string
	MainPort     int
	Mode         string
	CacheDir     string
	StartTimeout time.Duration
	Env          []string
	Logger       logging.Logger
}

// DevService is a running bundler dev server, either a child process owned
// by kitdev or a remote one it only attaches to.
type DevService struct {
	host   string
	port   int
	base   *url.URL
	logger logging.Logger

	transport *http.Transport
	origins   []string
	maxBody   int64

	cmd       *exec.Cmd
	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
	closeErr  error
}

var _ Service = (*DevService)(nil)

// Start allocates a port above the main port, launches the bundler command
// and blocks until it accepts connections or StartTimeout elapses.
func Start(ctx context.Context, opts Options) (*DevService, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}

	port, err := FindPort(opts.Host, opts.MainPort+1)
	if err != nil {
		return nil, err
	}

	args := strings.Fields(strings.ReplaceAll(opts.Command, PortPlaceholder, strconv.Itoa(port)))
	if len(args) == 0 {
		return nil, kiterrors.NewConfigError(kiterrors.ErrCodeBundlerStart, "bundler command is empty")
	}

	s := newService(opts.Host, port, opts.Logger)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "NODE_ENV="+opts.Mode)
	if opts.CacheDir != "" {
		cmd.Env = append(cmd.Env, "KITDEV_CACHE_DIR="+opts.CacheDir)
	}
	cmd.Env = append(cmd.Env, opts.Env...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeBundlerStart, "bundler stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeBundlerStart, "bundler stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeBundlerStart, "starting "+args[0], err)
	}
	s.cmd = cmd
	s.exited = make(chan struct{})

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.logOutput(&pipes, stdout, false)
	go s.logOutput(&pipes, stderr, true)
	go func() {
		pipes.Wait()
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	s.logger.Info(ctx, "Starting bundler", "command", strings.Join(args, " "), "port", port)

	if err := s.waitReady(ctx, opts.StartTimeout); err != nil {
		s.Close()
		return nil, kiterrors.NewNetworkError(kiterrors.ErrCodeBundlerStart,
			fmt.Sprintf("bundler did not become ready on port %d", port), err)
	}

	s.logger.Info(ctx, "Bundler ready", "url", s.URL())
	return s, nil
}

// NewRemote attaches to a bundler dev server that is already running at
// rawURL. Close does not stop it.
func NewRemote(rawURL string, logger logging.Logger) (*DevService, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, kiterrors.NewConfigError(kiterrors.ErrCodeConfigInvalid, "invalid bundler url: "+rawURL)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, kiterrors.NewConfigError(kiterrors.ErrCodeConfigInvalid, "invalid bundler port: "+p)
		}
	}

	if logger == nil {
		logger = logging.NewNop()
	}
	s := newService(u.Hostname(), port, logger)
	s.base = &url.URL{Scheme: u.Scheme, Host: u.Host}
	return s, nil
}

func newService(host string, port int, logger logging.Logger) *DevService {
	return &DevService{
		host:   host,
		port:   port,
		base:   &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))},
		logger: logger.WithComponent("bundler"),
		transport: &http.Transport{
			Proxy:               nil,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
		origins: []string{"localhost:*", "127.0.0.1:*", host + ":*"},
		maxBody: maxBodySize,
	}
}

// Port returns the port the bundler listens on.
func (s *DevService) Port() int { return s.port }

// Host returns the host the bundler listens on.
func (s *DevService) Host() string { return s.host }

// URL returns the bundler's base URL.
func (s *DevService) URL() string { return s.base.String() }

// Done is closed when an owned bundler process exits. It never closes for a
// remote bundler.
func (s *DevService) Done() <-chan struct{} { return s.exited }

// Err returns the process exit error once Done is closed.
func (s *DevService) Err() error {
	select {
	case <-s.exited:
		return s.waitErr
	default:
		return nil
	}
}

// SendErrorResponse writes a plain-text error response with status.
func (s *DevService) SendErrorResponse(w http.ResponseWriter, r *http.Request, status int) {
	http.Error(w, http.StatusText(status), status)
}

// Close stops an owned bundler process and releases idle connections. It is
// safe to call more than once.
func (s *DevService) Close() error {
	s.closeOnce.Do(func() {
		s.transport.CloseIdleConnections()
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}

		select {
		case <-s.exited:
			return
		default:
		}

		_ = terminateProcess(s.cmd)
		select {
		case <-s.exited:
		case <-time.After(3 * time.Second):
			s.closeErr = killProcess(s.cmd)
			select {
			case <-s.exited:
			case <-time.After(2 * time.Second):
			}
		}
	})
	return s.closeErr
}

func (s *DevService) waitReady(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	addr := s.base.Host
	return backoff.Retry(func() error {
		select {
		case <-s.exited:
			return backoff.Permanent(fmt.Errorf("bundler exited: %v", s.waitErr))
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return err
		}
		return conn.Close()
	}, backoff.WithContext(b, ctx))
}

func (s *DevService) logOutput(wg *sync.WaitGroup, r io.Reader, stderr bool) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if stderr {
			s.logger.Warn(context.Background(), nil, line, "stream", "stderr")
		} else {
			s.logger.Info(context.Background(), line, "stream", "stdout")
		}
	}
}

// FindPort returns the first port at or above start that host can bind.
// A start of zero or below asks the system for any free port.
func FindPort(host string, start int) (int, error) {
	if start <= 0 {
		l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return 0, kiterrors.NewNetworkError(kiterrors.ErrCodeListen, "no free port", err)
		}
		defer l.Close()
		return l.Addr().(*net.TCPAddr).Port, nil
	}

	for port := start; port <= 65535; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, kiterrors.NewNetworkError(kiterrors.ErrCodeListen, fmt.Sprintf("no free port at or above %d", start), nil)
}
