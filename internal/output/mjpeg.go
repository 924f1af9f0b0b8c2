package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/PanoStreamer/internal/logger"
	"github.com/bryanchriswhite/PanoStreamer/internal/overlay"
	"golang.org/x/image/draw"
)

// MJPEGOutput streams a downscaled preview of the panorama as Motion JPEG
// over HTTP. Slow clients skip frames instead of stalling delivery.
type MJPEGOutput struct {
	config  Config
	overlay *overlay.Manager
	running bool
	mu      sync.RWMutex

	// Preview buffer and latest encoded frame
	frameMu    sync.Mutex
	preview    *image.RGBA
	latest     []byte
	lastIndex  uint64
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	skipped    uint64
	startTime  time.Time
	now        func() time.Time
}

// MJPEGStats describes the preview stream.
type MJPEGStats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Skipped    uint64    `json:"skipped"`
	Clients    int       `json:"clients"`
	LastFrame  uint64    `json:"last_frame"`
	LastUpdate time.Time `json:"last_update"`
	FPS        float64   `json:"fps"`
}

// NewMJPEGOutput creates a new MJPEG preview output. hud may be nil.
func NewMJPEGOutput(config Config, hud *overlay.Manager) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 80
	}
	return &MJPEGOutput{
		config:  config,
		overlay: hud,
		clients: make(map[chan []byte]struct{}),
		now:     time.Now,
	}
}

// Start initializes the MJPEG output
// Note: The HTTP handler is registered separately via GetHTTPHandler()
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = m.now()
	m.frameCount = 0
	m.skipped = 0

	logger.WithComponent("mjpeg").Info().
		Int("width", m.config.Width).
		Int("fps", m.config.FPS).
		Msg("Preview output started")
	return nil
}

// Stop cleanly shuts down the output
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	// Close all client connections
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("Preview output stopped")
	return nil
}

// WriteFrame scales frame to the preview size, renders the HUD on it and
// broadcasts it to all connected clients.
func (m *MJPEGOutput) WriteFrame(frameIndex uint64, frame *image.RGBA) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}

	m.frameMu.Lock()
	now := m.now()
	if m.config.FPS > 0 && !m.lastUpdate.IsZero() && now.Sub(m.lastUpdate) < time.Second/time.Duration(m.config.FPS) {
		m.frameMu.Unlock()
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		return nil
	}

	preview := m.scale(frame)
	if m.overlay != nil {
		m.overlay.Render(preview)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, preview, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		m.frameMu.Unlock()
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()
	m.latest = jpegData
	m.lastIndex = frameIndex
	m.lastUpdate = now
	m.frameMu.Unlock()

	m.mu.Lock()
	m.frameCount++
	m.mu.Unlock()

	// Broadcast to all clients
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
			// Sent successfully
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// scale copies frame into the reusable preview buffer. Caller holds frameMu.
func (m *MJPEGOutput) scale(frame *image.RGBA) *image.RGBA {
	src := frame.Bounds()
	w := m.config.Width
	if w <= 0 || w > src.Dx() {
		w = src.Dx()
	}
	h := src.Dy() * w / src.Dx()
	if h < 1 {
		h = 1
	}

	if m.preview == nil || m.preview.Bounds().Dx() != w || m.preview.Bounds().Dy() != h {
		m.preview = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	if w == src.Dx() {
		draw.Copy(m.preview, image.Point{}, frame, src, draw.Src, nil)
	} else {
		draw.ApproxBiLinear.Scale(m.preview, m.preview.Bounds(), frame, src, draw.Src, nil)
	}
	return m.preview
}

// Snapshot returns the most recent JPEG and its frame index.
func (m *MJPEGOutput) Snapshot() ([]byte, uint64, bool) {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	return m.latest, m.lastIndex, m.latest != nil
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Preview"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stats returns a snapshot of the stream statistics.
func (m *MJPEGOutput) Stats() MJPEGStats {
	m.mu.RLock()
	s := MJPEGStats{Running: m.running, Frames: m.frameCount, Skipped: m.skipped}
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.Lock()
	s.LastFrame = m.lastIndex
	s.LastUpdate = m.lastUpdate
	m.frameMu.Unlock()

	m.clientsMu.RLock()
	s.Clients = len(m.clients)
	m.clientsMu.RUnlock()

	if s.Running && !startTime.IsZero() {
		if elapsed := m.now().Sub(startTime).Seconds(); elapsed > 0 {
			s.FPS = float64(s.Frames) / elapsed
		}
	}
	return s
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
// Mount this at /stream or similar endpoint
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "preview not running", http.StatusServiceUnavailable)
			return
		}

		// Set headers for MJPEG stream
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		// Create channel for this client
		frameChan := make(chan []byte, 2) // Buffer 2 frames

		// Register client
		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("mjpeg")
		log.Info().Int("clients", clientCount).Msg("Preview client connected")

		// Send headers now so clients see the stream before the first frame
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		// Cleanup on disconnect
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Preview client disconnected")
		}()

		// Stream frames to client
		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if err := writePart(w, jpegData); err != nil {
					return
				}
			}
		}
	}
}

func writePart(w http.ResponseWriter, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// GetSnapshotHandler serves the most recent preview frame as a single JPEG.
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, idx, ok := m.Snapshot()
		if !ok {
			http.Error(w, "no frame delivered yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Frame-Index", fmt.Sprint(idx))
		w.Write(data)
	}
}

// GetViewerHandler returns an HTTP handler with a minimal page showing the stream
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>PanoStreamer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
            background: #000;
        }
        .stats {
            position: fixed;
            bottom: 16px;
            left: 16px;
            padding: 8px 14px;
            background: rgba(40, 40, 40, 0.9);
            color: #ccc;
            border-radius: 20px;
            font-family: monospace;
            font-size: 13px;
        }
    </style>
</head>
<body>
    <img src="/stream" alt="PanoStreamer Preview">
    <div class="stats" id="stats"></div>
    <script>
        const stats = document.getElementById('stats');
        setInterval(() => {
            fetch('/api/stats')
                .then(r => r.json())
                .then(s => {
                    stats.textContent = 'delivered ' + s.compositor.delivered +
                        ' | abandoned ' + s.compositor.abandoned +
                        ' | in flight ' + s.compositor.in_flight;
                })
                .catch(() => {});
        }, 1000);
    </script>
</body>
</html>`
