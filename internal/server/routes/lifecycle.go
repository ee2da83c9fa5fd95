package routes

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/safelease/safelease-gateway/internal/cache"
	"github.com/safelease/safelease-gateway/internal/checklist"
	"github.com/safelease/safelease-gateway/internal/lifecycle"
	"github.com/safelease/safelease-gateway/internal/logging"
	"github.com/safelease/safelease-gateway/internal/manifest"
	"github.com/safelease/safelease-gateway/internal/server"
)

// LifecycleDeps 汇总诊断接口依赖。Manager 是按当前清单构造的实例，update 时重新安装它。
type LifecycleDeps struct {
	Controller *lifecycle.Controller
	Manager    *lifecycle.Manager
	Storage    cache.Storage
	Logger     *logrus.Logger
}

// RegisterLifecycleRoutes 暴露 /-/generations、/-/lifecycle/update、/-/asset 与 /-/checklist，
// 供运维查看代际状态、手动清理与触发更新。
func RegisterLifecycleRoutes(app *fiber.App, deps LifecycleDeps) {
	if app == nil || deps.Controller == nil || deps.Storage == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	h := &lifecycleRoutes{deps: deps}

	app.Get("/-/generations", h.listGenerations)
	app.Delete("/-/generations/:name", h.deleteGeneration)
	app.Post("/-/lifecycle/update", h.update)
	app.Get("/-/asset", h.asset)
	app.Get("/-/checklist", h.checklist)
}

type lifecycleRoutes struct {
	deps LifecycleDeps
}

type generationPayload struct {
	Name      string     `json:"name"`
	Ready     bool       `json:"ready"`
	Entries   int        `json:"entries"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
}

func (h *lifecycleRoutes) listGenerations(c fiber.Ctx) error {
	names, err := h.deps.Storage.Names(c.Context())
	if err != nil {
		return h.fail(c, fiber.StatusInternalServerError, "storage_failed", err)
	}
	active := activeVersion(h.deps.Controller)

	items := make([]generationPayload, 0, len(names))
	for _, name := range names {
		info, err := h.deps.Storage.Info(c.Context(), name)
		if err != nil {
			if errors.Is(err, cache.ErrGenerationNotFound) {
				continue
			}
			return h.fail(c, fiber.StatusInternalServerError, "storage_failed", err)
		}
		items = append(items, encodeGeneration(info, active))
	}

	return c.JSON(fiber.Map{
		"active":      active,
		"state":       h.deps.Controller.State(),
		"generations": items,
	})
}

func encodeGeneration(info cache.GenerationInfo, active string) generationPayload {
	payload := generationPayload{
		Name:      info.Name,
		Ready:     info.Ready,
		Entries:   info.Entries,
		Active:    info.Name == active,
		CreatedAt: info.CreatedAt,
	}
	if !info.ReadyAt.IsZero() {
		readyAt := info.ReadyAt
		payload.ReadyAt = &readyAt
	}
	return payload
}

func (h *lifecycleRoutes) deleteGeneration(c fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	if err := cache.ValidateName(name); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_generation"})
	}
	existed, err := h.deps.Storage.Delete(c.Context(), name)
	if err != nil {
		return h.fail(c, fiber.StatusInternalServerError, "delete_failed", err)
	}
	if !existed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "generation_not_found"})
	}
	h.deps.Controller.Forget(name)

	fields := logging.LifecycleFields("clear", name)
	fields["request_id"] = server.RequestID(c)
	h.deps.Logger.WithFields(fields).Info("generation_cleared")
	return c.JSON(fiber.Map{"deleted": name})
}

func (h *lifecycleRoutes) update(c fiber.Ctx) error {
	if h.deps.Manager == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "manager_unavailable"})
	}
	report, err := h.deps.Controller.Update(c.Context(), h.deps.Manager)
	if err != nil {
		status := fiber.StatusInternalServerError
		code := "update_failed"
		switch {
		case errors.Is(err, lifecycle.ErrInstallFailed):
			status, code = fiber.StatusBadGateway, "install_failed"
		case errors.Is(err, lifecycle.ErrNotReady):
			status, code = fiber.StatusConflict, "not_ready"
		}
		h.log(c, "update", err)
		return c.Status(status).JSON(fiber.Map{
			"error":  code,
			"detail": err.Error(),
			"report": report,
		})
	}
	return c.JSON(report)
}

func (h *lifecycleRoutes) asset(c fiber.Ctx) error {
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
	}
	manager := h.deps.Controller.Active()
	if manager == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_generation"})
	}
	resp, err := manager.Lookup(c.Context(), raw)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrGenerationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_cached"})
		}
		return h.fail(c, fiber.StatusBadRequest, "lookup_failed", err)
	}
	for key, values := range resp.Header {
		if key == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
	c.Set("X-Safelease-Generation", manager.Version())
	return c.Status(resp.Status).Send(resp.Body)
}

func (h *lifecycleRoutes) checklist(c fiber.Ctx) error {
	manager := h.deps.Controller.Active()
	if manager == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_generation"})
	}
	resp, err := manager.Lookup(c.Context(), manifest.ChecklistDocument)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrGenerationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "checklist_not_cached"})
		}
		return h.fail(c, fiber.StatusInternalServerError, "lookup_failed", err)
	}
	doc, err := checklist.Parse(resp.Body)
	if err != nil {
		return h.fail(c, fiber.StatusUnprocessableEntity, "checklist_invalid", err)
	}
	sorted := doc.Sorted()
	return c.JSON(fiber.Map{
		"generation": manager.Version(),
		"address":    sorted.Address,
		"rooms":      sorted.Rooms,
		"items":      sorted.ItemCount(),
		"hash":       doc.Hash(),
	})
}

func (h *lifecycleRoutes) fail(c fiber.Ctx, status int, code string, err error) error {
	h.log(c, code, err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *lifecycleRoutes) log(c fiber.Ctx, action string, err error) {
	fields := logrus.Fields{
		"action": action,
		"path":   c.Path(),
	}
	if reqID := server.RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	h.deps.Logger.WithFields(fields).WithError(err).Warn("diagnostics_failed")
}

func activeVersion(controller *lifecycle.Controller) string {
	if m := controller.Active(); m != nil {
		return m.Version()
	}
	return ""
}
