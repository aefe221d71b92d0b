package blockdev

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	e "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultHTTPTimeout bounds a single fetch, including reading the body.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPOptions bundles the tunables of an HTTPDevice.
// The zero value gives sane defaults for everything.
type HTTPOptions struct {
	// BlockSize of the device; DefaultBlockSize when zero.
	BlockSize uint64

	// CacheCapacity is the number of single blocks kept cached.
	// DefaultCacheCapacity when zero.
	CacheCapacity int

	// CacheEviction selects the policy of the block cache.
	CacheEviction EvictionPolicy

	// Timeout for a single request; DefaultHTTPTimeout when zero.
	// Ignored when Client is set.
	Timeout time.Duration

	// Header is added to every outgoing request.
	// Useful for auth tokens or cache busting.
	Header http.Header

	// Client overrides the http.Client used for all requests.
	Client *http.Client
}

// HTTPDevice serves blocks from a remote resource via HTTP range requests.
// Init() has to be called before the first read. If the remote side does
// not support range requests, the device falls back to fetching the whole
// resource once and slicing it locally.
type HTTPDevice struct {
	mu        sync.Mutex
	id        string
	url       string
	blockSize uint64
	client    *http.Client
	header    http.Header

	size          uint64
	acceptsRanges bool
	initialized   bool

	// full holds the complete resource, only in the no-range fallback.
	full  []byte
	cache *blockCache
	stats Stats
}

// NewHTTPDevice builds a device reading from `url`.
// No I/O happens before Init() is called.
func NewHTTPDevice(id, url string, opts HTTPOptions) *HTTPDevice {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = DefaultHTTPTimeout
		}

		client = &http.Client{Timeout: timeout}
	}

	return &HTTPDevice{
		id:        id,
		url:       url,
		blockSize: blockSize,
		client:    client,
		header:    opts.Header,
		cache:     newBlockCache(opts.CacheCapacity, opts.CacheEviction),
	}
}

func (hd *HTTPDevice) newRequest(method string) (*http.Request, error) {
	req, err := http.NewRequest(method, hd.url, nil)
	if err != nil {
		return nil, e.Wrap(err, "failed to build request")
	}

	for key, vals := range hd.header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}

	return req, nil
}

// Init probes the remote side for its total size (Content-Length) and for
// range request support (Accept-Ranges: bytes). It has to be called once
// before the first read and is idempotent.
func (hd *HTTPDevice) Init() error {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	if hd.initialized {
		return nil
	}

	req, err := hd.newRequest("HEAD")
	if err != nil {
		return err
	}

	resp, err := hd.client.Do(req)
	if err != nil {
		return e.Wrapf(err, "failed to probe `%s`", hd.url)
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{
			URL:        hd.url,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	if resp.ContentLength > 0 {
		hd.size = uint64(resp.ContentLength)
	}

	hd.acceptsRanges = resp.Header.Get("Accept-Ranges") == "bytes"
	if !hd.acceptsRanges {
		log.Warningf(
			"`%s` does not support range requests; falling back to one full fetch",
			hd.url,
		)
	}

	hd.initialized = true
	return nil
}

// ID returns the identifier given at construction.
func (hd *HTTPDevice) ID() string { return hd.id }

// Size returns the remote resource size as learned by Init().
func (hd *HTTPDevice) Size() uint64 {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	return hd.size
}

// BlockSize returns the block size in bytes.
func (hd *HTTPDevice) BlockSize() uint64 { return hd.blockSize }

// Readonly is always true for an HTTP device.
func (hd *HTTPDevice) Readonly() bool { return true }

// ReadBlocks fetches `count` blocks starting at block `index`.
// Single block reads go through the bounded block cache;
// multi block reads bypass it entirely.
func (hd *HTTPDevice) ReadBlocks(index, count uint64) ([]byte, error) {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	if !hd.initialized {
		return nil, ErrNotInitialized
	}

	want := count * hd.blockSize

	if count == 1 {
		if data, ok := hd.cache.Get(index); ok {
			hd.stats.CacheHits++
			hd.stats.Reads++
			hd.stats.BytesRead += want

			buf := make([]byte, want)
			copy(buf, data)
			return buf, nil
		}
	}

	var body []byte
	var err error

	if hd.acceptsRanges {
		body, err = hd.fetchRange(index*hd.blockSize, want)
	} else {
		body, err = hd.sliceFull(index*hd.blockSize, want)
	}

	if err != nil {
		return nil, err
	}

	buf := padToLen(body, want)

	if count == 1 {
		hd.stats.CacheMisses++

		// Cache a private copy; the caller owns `buf`.
		cached := make([]byte, len(buf))
		copy(cached, buf)
		hd.cache.Put(index, cached)
	}

	hd.stats.Reads++
	hd.stats.BytesRead += want
	return buf, nil
}

// fetchRange issues a single ranged GET for [off, off+length),
// clamped to the known size of the resource.
func (hd *HTTPDevice) fetchRange(off, length uint64) ([]byte, error) {
	end := off + length
	if hd.size > 0 && end > hd.size {
		end = hd.size
	}

	if off >= end {
		// Fully past the end; the caller pads with zeros.
		return nil, nil
	}

	req, err := hd.newRequest("GET")
	if err != nil {
		return nil, err
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end-1))

	resp, err := hd.client.Do(req)
	if err != nil {
		return nil, e.Wrapf(err, "failed to fetch from `%s`", hd.url)
	}

	defer resp.Body.Close()

	// Without a Content-Length from the probe we cannot clamp the range
	// ourselves; a strict server then answers past-the-end requests with
	// 416. That still just means "nothing here", so the caller pads.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &HTTPStatusError{
			URL:        hd.url,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, e.Wrap(err, "failed to read response body")
	}

	return body, nil
}

// sliceFull serves [off, off+length) from a one-time full fetch.
func (hd *HTTPDevice) sliceFull(off, length uint64) ([]byte, error) {
	if hd.full == nil {
		req, err := hd.newRequest("GET")
		if err != nil {
			return nil, err
		}

		resp, err := hd.client.Do(req)
		if err != nil {
			return nil, e.Wrapf(err, "failed to fetch from `%s`", hd.url)
		}

		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &HTTPStatusError{
				URL:        hd.url,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
			}
		}

		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, e.Wrap(err, "failed to read response body")
		}

		hd.full = body
		if hd.size == 0 {
			hd.size = uint64(len(body))
		}

		log.Warningf(
			"fetched the whole image (%s) from `%s`; avoid large devices without range support",
			humanize.Bytes(uint64(len(body))),
			hd.url,
		)
	}

	if off >= uint64(len(hd.full)) {
		return nil, nil
	}

	end := off + length
	if end > uint64(len(hd.full)) {
		end = uint64(len(hd.full))
	}

	// Hand out a copy; the resident image must stay untouched.
	buf := make([]byte, end-off)
	copy(buf, hd.full[off:end])
	return buf, nil
}

// WriteBlocks always fails; the device is read-only.
func (hd *HTTPDevice) WriteBlocks(index uint64, data []byte) error {
	return ErrReadOnly
}

// Sync is a no-op; there is nothing to persist.
func (hd *HTTPDevice) Sync() error { return nil }

// Close clears the block cache and the full fetch buffer.
func (hd *HTTPDevice) Close() error {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	hd.cache.Purge()
	hd.full = nil
	return nil
}

// Stats returns a copy of the current counters.
func (hd *HTTPDevice) Stats() Stats {
	hd.mu.Lock()
	defer hd.mu.Unlock()

	return hd.stats
}
