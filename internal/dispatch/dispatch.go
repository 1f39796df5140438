// Package dispatch sends the shaped request to the model backend and decides
// whether its response is returned inline or offloaded to object storage.
package dispatch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"model-gateway/internal/metrics"
	"model-gateway/internal/protocol"
	"model-gateway/internal/shared"
	"model-gateway/internal/storage"

	"go.uber.org/zap"
)

type Options struct {
	Bucket      string
	InlineLimit int64
	ChunkSize   int64
	Timeout     time.Duration
}

type Call struct {
	URL           string
	Header        http.Header
	Body          []byte
	System        protocol.DeploymentSystem
	ModelID       string
	TransactionID string
	// destination of the response when it is too large to return inline
	ObjectKey string
	Log       *zap.SugaredLogger
}

// Result is either an extracted inline value or the key of an offloaded
// object, per PayloadType.
type Result struct {
	PayloadType shared.PayloadType
	Output      []byte
	ObjectKey   string
	Size        int64
	Parts       int
	Duration    time.Duration
}

type Dispatcher struct {
	store storage.ObjectStore
	opts  Options
	log   *zap.SugaredLogger
}

func New(store storage.ObjectStore, opts Options, log *zap.SugaredLogger) *Dispatcher {
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = shared.DefaultInlineLimit
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = shared.DefaultChunkSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = shared.DefaultPredictionTimeout
	}
	return &Dispatcher{store: store, opts: opts, log: log}
}

// Dispatch runs the prediction call. ctx bounds the backend call and the
// upload, on top of the prediction timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, client *http.Client, call Call) (*Result, error) {
	log := call.Log
	if log == nil {
		log = d.log
	}
	start := time.Now()

	rctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, call.URL, bytes.NewReader(call.Body))
	if err != nil {
		return nil, errors.Join(
			shared.NewRequestError(shared.KindInternal, call.TransactionID, "failed building prediction request for the model %s", call.ModelID),
			err,
		)
	}
	for k, v := range call.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	req.Header.Set(shared.HeaderTransactionID, call.TransactionID)
	// the inline decision needs the declared length of what is on the wire,
	// the transport hides it when it decompresses on its own
	req.Header.Set("Accept-Encoding", "identity")

	log.Infow("Sending prediction request", "url", req.URL.Redacted(), "deployment_system", call.System.String())
	res, err := client.Do(req)
	if err != nil {
		log.Errorw("Prediction request failed", "error", err)
		return nil, errors.Join(
			shared.NewRequestError(shared.KindInternal, call.TransactionID, "a request error occurred while making prediction request to the deployed model %s: %v", call.ModelID, err),
			shared.ErrBackendRequest,
			err,
		)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := decodedBody(res)
	if err != nil {
		log.Errorw("Failed to decode prediction response", "content_encoding", res.Header.Get("Content-Encoding"), "error", err)
		return nil, errors.Join(
			shared.NewRequestError(shared.KindInternal, call.TransactionID, "failed to read the prediction response of the model %s", call.ModelID),
			shared.ErrBackendRead,
			err,
		)
	}
	defer func() {
		_ = body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(body, 64<<10))
		detail := shared.ErrorDetail(msg)
		if res.StatusCode == http.StatusBadRequest {
			log.Infow("Model rejected prediction request", "status_code", res.StatusCode, "detail", detail)
		} else {
			log.Errorw("Model failed prediction request", "status_code", res.StatusCode, "detail", detail)
		}
		return nil, errors.Join(
			shared.UpstreamError(res.StatusCode, call.TransactionID, "an error occurred while making prediction request to the deployed model %s: %s", call.ModelID, detail),
			shared.ErrBackendStatus,
		)
	}

	var result *Result
	if res.ContentLength >= 0 && res.ContentLength <= d.opts.InlineLimit {
		result, err = d.inline(body, call)
	} else {
		log.Infow("Response exceeds inline limit, offloading", "content_length", res.ContentLength, "limit", d.opts.InlineLimit)
		result, err = d.offload(rctx, body, call, log)
	}
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	metrics.BackendDuration.WithLabelValues(call.System.String(), string(result.PayloadType)).Observe(result.Duration.Seconds())
	return result, nil
}

// decodedBody undoes a gzip content encoding. Backends may compress even when
// asked not to, the declared length stays the compressed one.
func decodedBody(res *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(res.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(res.Body), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(res.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", res.Header.Get("Content-Encoding"))
	}
}

func (d *Dispatcher) inline(r io.Reader, call Call) (*Result, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Join(
			shared.NewRequestError(shared.KindInternal, call.TransactionID, "failed to read the prediction response of the model %s", call.ModelID),
			shared.ErrBackendRead,
			err,
		)
	}
	out, err := protocol.Extract(call.System, body)
	if err != nil {
		return nil, errors.Join(
			shared.NewRequestError(shared.KindInternal, call.TransactionID, "unexpected prediction response from the model %s", call.ModelID),
			shared.ErrBackendMalformed,
			err,
		)
	}
	return &Result{
		PayloadType: shared.PayloadContent,
		Output:      out,
		Size:        int64(len(body)),
	}, nil
}

// offload streams body into a multipart upload, one part per chunk. Any
// failure aborts the upload.
func (d *Dispatcher) offload(ctx context.Context, body io.Reader, call Call, log *zap.SugaredLogger) (res *Result, err error) {
	storageErr := func(err error) error {
		return errors.Join(
			shared.NewRequestError(shared.KindInternal, call.TransactionID, "an error occurred while uploading the predicted data of the model %s", call.ModelID),
			shared.ErrOffload,
			err,
		)
	}

	mp, err := storage.BeginMultipart(ctx, d.store, d.opts.Bucket, call.ObjectKey)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err == nil {
			return
		}
		// the request context may be gone already
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shared.DefaultMetadataTimeout)
		defer cancel()
		if abortErr := mp.Abort(actx); abortErr != nil {
			metrics.MultipartAborts.WithLabelValues("failed").Inc()
			log.Warnw("Failed to abort multipart upload", "upload_id", mp.UploadID(), "error", abortErr)
			return
		}
		metrics.MultipartAborts.WithLabelValues("aborted").Inc()
	}()

	buf := make([]byte, d.opts.ChunkSize)
	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 || (len(mp.Parts()) == 0 && rerr == io.EOF) {
			if err := mp.UploadPart(ctx, buf[:n]); err != nil {
				return nil, storageErr(err)
			}
			log.Debugw("Uploaded part", "part_number", len(mp.Parts()), "size", n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, errors.Join(
				shared.NewRequestError(shared.KindInternal, call.TransactionID, "failed to read the prediction response of the model %s", call.ModelID),
				shared.ErrBackendRead,
				rerr,
			)
		}
	}

	if err := mp.Complete(ctx); err != nil {
		return nil, storageErr(err)
	}

	parts := len(mp.Parts())
	metrics.OffloadedBytes.WithLabelValues(call.System.String()).Add(float64(mp.Size()))
	metrics.OffloadedParts.WithLabelValues(call.System.String()).Observe(float64(parts))
	log.Infow("Uploaded prediction response", "key", call.ObjectKey, "parts", parts, "size", mp.Size())

	return &Result{
		PayloadType: shared.PayloadURL,
		ObjectKey:   call.ObjectKey,
		Size:        mp.Size(),
		Parts:       parts,
	}, nil
}

// String is used in log lines
func (r *Result) String() string {
	if r.PayloadType == shared.PayloadURL {
		return fmt.Sprintf("url(%s, %d bytes, %d parts)", r.ObjectKey, r.Size, r.Parts)
	}
	return fmt.Sprintf("content(%d bytes)", r.Size)
}
