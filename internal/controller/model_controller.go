package controller

import (
	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/pkg/serverutils"
	"ollama-chat-be/internal/service"

	"github.com/gofiber/fiber/v2"
)

type IModelController interface {
	RegisterRoutes(r fiber.Router)
	List(ctx *fiber.Ctx) error
	Load(ctx *fiber.Ctx) error
	Unload(ctx *fiber.Ctx) error
	Memory(ctx *fiber.Ctx) error
}

type modelController struct {
	service service.IModelService
}

func NewModelController(service service.IModelService) IModelController {
	return &modelController{service: service}
}

func (c *modelController) RegisterRoutes(r fiber.Router) {
	models := r.Group("/models")
	// The catalog is public; load/unload touch shared GPU memory and are
	// restricted to admins.
	models.Get("/", c.List)
	models.Post("/load", serverutils.JwtMiddleware, serverutils.AdminOnly, c.Load)
	models.Post("/unload", serverutils.JwtMiddleware, serverutils.AdminOnly, c.Unload)

	system := r.Group("/system")
	system.Get("/memory", c.Memory)
}

func (c *modelController) List(ctx *fiber.Ctx) error {
	items, err := c.service.ListModels(ctx.Context())
	if err != nil {
		return ctx.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"code":    502,
			"message": "failed to list models",
		})
	}
	return ctx.JSON(fiber.Map{
		"success": true,
		"code":    200,
		"message": "Models listed",
		"data":    items,
	})
}

func (c *modelController) Load(ctx *fiber.Ctx) error {
	var req dto.LoadModelRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateStruct(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"code":    400,
			"message": err.Error(),
		})
	}

	if err := c.service.LoadModel(ctx.Context(), req.Model); err != nil {
		return ctx.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"code":    502,
			"message": err.Error(),
		})
	}
	return ctx.JSON(fiber.Map{
		"success": true,
		"code":    200,
		"message": "Model loaded",
		"data":    nil,
	})
}

func (c *modelController) Unload(ctx *fiber.Ctx) error {
	var req dto.LoadModelRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateStruct(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"code":    400,
			"message": err.Error(),
		})
	}

	if err := c.service.UnloadModel(ctx.Context(), req.Model); err != nil {
		return ctx.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"code":    502,
			"message": err.Error(),
		})
	}
	return ctx.JSON(fiber.Map{
		"success": true,
		"code":    200,
		"message": "Model unloaded",
		"data":    nil,
	})
}

func (c *modelController) Memory(ctx *fiber.Ctx) error {
	info, err := c.service.MemoryInfo()
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"code":    500,
			"message": "failed to read memory info",
		})
	}
	return ctx.JSON(info)
}
