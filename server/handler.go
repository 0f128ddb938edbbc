package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/billapan785-max/ai-background-remover-free/orchestrator"
	"github.com/billapan785-max/ai-background-remover-free/segment"
	"github.com/gin-gonic/gin"
)

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type paramsRequest struct {
	Tolerance *float64 `json:"tolerance" binding:"required"`
	Feather   *float64 `json:"feather"`
}

type handler struct {
	sessions *Sessions
	maxSize  int64
}

func (h *handler) createSession(c *gin.Context) {
	id, o, err := h.sessions.Create()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    gin.H{"session_id": id, "job": o.Snapshot()},
	})
}

func (h *handler) deleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) lookup(c *gin.Context) (*orchestrator.Orchestrator, bool) {
	o, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return o, true
}

// submit multipart: image 文件，mode=express|deep，可选 tolerance / feather
func (h *handler) submit(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		fail(c, fmt.Errorf("%w: missing image field", orchestrator.ErrInvalidInput))
		return
	}
	if h.maxSize > 0 && file.Size > h.maxSize {
		fail(c, fmt.Errorf("%w: file exceeds size limit", orchestrator.ErrInvalidInput))
		return
	}

	// 表单参数只在文件被接受后生效
	var params *segment.Params
	if c.PostForm("tolerance") != "" || c.PostForm("feather") != "" {
		p := o.Snapshot().Params
		if p.Tolerance, err = formFloat(c, "tolerance", p.Tolerance); err == nil {
			p.Feather, err = formFloat(c, "feather", p.Feather)
		}
		if err != nil {
			fail(c, err)
			return
		}
		params = &p
	}

	f, err := file.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(f)
	if err != nil {
		fail(c, err)
		return
	}

	mode := orchestrator.Mode(c.DefaultPostForm("mode", string(orchestrator.ModeExpress)))
	in := orchestrator.File{Name: file.Filename, Data: data}
	var snap orchestrator.Snapshot
	if params != nil {
		snap, err = o.SubmitWithParams(c.Request.Context(), in, mode, *params)
	} else {
		snap, err = o.Submit(c.Request.Context(), in, mode)
	}
	if err != nil {
		fail(c, err)
		return
	}

	status := http.StatusOK
	if snap.State == orchestrator.StateRunning {
		status = http.StatusAccepted
	}
	c.JSON(status, Response{Success: true, Data: snap})
}

func (h *handler) status(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: o.Snapshot()})
}

func (h *handler) recompute(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}

	var req paramsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %w", orchestrator.ErrInvalidInput, err))
		return
	}
	p := segment.Params{Tolerance: *req.Tolerance, Feather: o.Snapshot().Params.Feather}
	if req.Feather != nil {
		p.Feather = *req.Feather
	}

	snap, err := o.Recompute(c.Request.Context(), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: snap})
}

func (h *handler) reset(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: o.Reset()})
}

func (h *handler) download(c *gin.Context) {
	o, ok := h.lookup(c)
	if !ok {
		return
	}

	artifact, rc, err := o.OpenResult()
	if err != nil {
		fail(c, err)
		return
	}
	defer func() {
		_ = rc.Close()
	}()

	c.DataFromReader(http.StatusOK, artifact.Handle.Size, artifact.Handle.ContentType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename=%q`, artifact.Name),
	})
}

func formFloat(c *gin.Context, key string, def float64) (float64, error) {
	v := c.PostForm(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", orchestrator.ErrInvalidInput, key)
	}
	return f, nil
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInvalidImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrEngineFailure):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrNoJob), errors.Is(err, orchestrator.ErrWrongState),
		errors.Is(err, orchestrator.ErrSuperseded), errors.Is(err, orchestrator.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := errorStatus(err)
	msg := orchestrator.UserMessage(err)
	if errors.Is(err, ErrSessionNotFound) {
		msg = "Session not found."
	}

	c.JSON(status, Response{Success: false, Message: msg, Error: err.Error()})
}
