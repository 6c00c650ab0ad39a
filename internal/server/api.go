package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"

	"github.com/23skdu/longbow-naiad/internal/diffusion"
	"github.com/23skdu/longbow-naiad/internal/imageio"
	"github.com/23skdu/longbow-naiad/internal/logger"
	"github.com/23skdu/longbow-naiad/internal/studio"
)

// Request defaults applied when the body leaves them zero.
const (
	DefaultSteps         = 28
	DefaultGuidanceScale = 7.5
)

const maxBodyBytes = 32 << 20

// GenerateRequest is the JSON body of /api/generate and of websocket "generate" messages.
type GenerateRequest struct {
	Prompt        string   `json:"prompt"`
	AntiPrompt    string   `json:"anti_prompt,omitempty"`
	Seed          int64    `json:"seed"`
	Steps         int      `json:"steps,omitempty"`
	GuidanceScale float32  `json:"guidance_scale,omitempty"`
	Strength      *float32 `json:"strength,omitempty"`
	// Image is a base64 PNG or JPEG.
	Image string `json:"image,omitempty"`
}

func (g GenerateRequest) toRequest() (diffusion.Request, error) {
	req := diffusion.Request{
		Prompt:        g.Prompt,
		AntiPrompt:    g.AntiPrompt,
		Seed:          g.Seed,
		Steps:         g.Steps,
		GuidanceScale: g.GuidanceScale,
		Strength:      g.Strength,
	}
	if req.Steps == 0 {
		req.Steps = DefaultSteps
	}
	if req.GuidanceScale == 0 {
		req.GuidanceScale = DefaultGuidanceScale
	}
	if g.Image != "" {
		raw, err := base64.StdEncoding.DecodeString(g.Image)
		if err != nil {
			return req, fmt.Errorf("invalid image: %w", err)
		}
		img, err := imageio.Decode(bytes.NewReader(raw))
		if err != nil {
			return req, fmt.Errorf("invalid image: %w", err)
		}
		req.Image = img
	}
	return req, req.Validate()
}

// EventMessage is one progress event as JSON. Image is a base64 PNG.
type EventMessage struct {
	RequestID string  `json:"request_id"`
	Stage     string  `json:"stage"`
	Progress  float64 `json:"progress"`
	Image     string  `json:"image,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func newEventMessage(id string, res diffusion.Result, err error) EventMessage {
	msg := EventMessage{RequestID: id, Stage: res.Stage, Progress: res.Progress}
	if res.Image != nil {
		msg.Image = encodeImage(res.Image)
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func encodeImage(img image.Image) string {
	png, err := imageio.EncodePNG(img)
	if err != nil {
		logger.Log.Warn("encode event image", "error", err)
		return ""
	}
	return base64.StdEncoding.EncodeToString(png)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleGenerate runs a generation to completion and answers with the final PNG.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, results := s.studio.Generate(r.Context(), req)
	w.Header().Set("X-Request-ID", id)
	img, stage, err := studio.Run(results, nil)
	switch {
	case errors.Is(err, diffusion.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	case stage == diffusion.StageCancelled || img == nil:
		writeError(w, http.StatusServiceUnavailable, "generation cancelled")
	default:
		png, err := imageio.EncodePNG(img)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.studio.Cancel()
	w.WriteHeader(http.StatusAccepted)
}
