package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"ollama-chat-be/internal/dto"
	"ollama-chat-be/internal/pkg/logger"
	"ollama-chat-be/pkg/events"
	pktNats "ollama-chat-be/pkg/nats"
	"ollama-chat-be/pkg/ollama"

	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/mem"
)

const tagsCacheKey = "ollama_tags"

type IModelService interface {
	// IsModelReady reports whether the model is loaded right now. An
	// unreachable backend reads as not ready, never as an error.
	IsModelReady(ctx context.Context, name string) bool
	ListLoaded(ctx context.Context) ([]string, error)
	ListModels(ctx context.Context) ([]dto.ModelListItem, error)
	LoadModel(ctx context.Context, name string) error
	UnloadModel(ctx context.Context, name string) error
	MemoryInfo() (*dto.MemoryInfoResponse, error)
}

type modelService struct {
	client         *ollama.Client
	log            logger.ILogger
	eventPublisher *pktNats.Publisher

	// Catalog changes rarely; loaded-state changes on every load/unload,
	// so only the tags listing is cached.
	tagsCache *cache.Cache

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewModelService(client *ollama.Client, log logger.ILogger, eventPublisher *pktNats.Publisher) IModelService {
	return &modelService{
		client:         client,
		log:            log,
		eventPublisher: eventPublisher,
		tagsCache:      cache.New(10*time.Second, 1*time.Minute),
		locks:          make(map[string]*sync.Mutex),
	}
}

// modelLock serializes load/unload per model name so concurrent admin
// requests cannot race the Ollama keep_alive dance.
func (s *modelService) modelLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *modelService) IsModelReady(ctx context.Context, name string) bool {
	running, err := s.client.ListRunning(ctx)
	if err != nil {
		s.log.Warn("model", "availability probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	for _, m := range running {
		if m.Name == name || m.Model == name {
			return true
		}
	}
	return false
}

func (s *modelService) ListLoaded(ctx context.Context) ([]string, error) {
	running, err := s.client.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(running))
	for _, m := range running {
		names = append(names, m.Name)
	}
	return names, nil
}

func (s *modelService) tags(ctx context.Context) ([]ollama.ModelInfo, error) {
	if x, found := s.tagsCache.Get(tagsCacheKey); found {
		return x.([]ollama.ModelInfo), nil
	}
	tags, err := s.client.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	s.tagsCache.Set(tagsCacheKey, tags, cache.DefaultExpiration)
	return tags, nil
}

func (s *modelService) ListModels(ctx context.Context) ([]dto.ModelListItem, error) {
	tags, err := s.tags(ctx)
	if err != nil {
		return nil, err
	}

	loaded := make(map[string]bool)
	if running, err := s.client.ListRunning(ctx); err == nil {
		for _, m := range running {
			loaded[m.Name] = true
			loaded[m.Model] = true
		}
	}

	items := make([]dto.ModelListItem, 0, len(tags))
	for _, t := range tags {
		sizeGB := math.Round(float64(t.Size)/(1024*1024*1024)*100) / 100
		items = append(items, dto.ModelListItem{
			Name:     t.Name,
			SizeGB:   sizeGB,
			IsLoaded: loaded[t.Name],
		})
	}
	return items, nil
}

func (s *modelService) LoadModel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("model name is required")
	}

	l := s.modelLock(name)
	l.Lock()
	defer l.Unlock()

	if err := s.client.Load(ctx, name); err != nil {
		return err
	}
	s.log.Info("model", "model loaded", map[string]interface{}{"model": name})

	if s.eventPublisher != nil {
		if err := s.eventPublisher.Publish(ctx, events.NewModelLoaded(name)); err != nil {
			s.log.Warn("model", "failed to publish MODEL_LOADED event", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

func (s *modelService) UnloadModel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("model name is required")
	}

	l := s.modelLock(name)
	l.Lock()
	defer l.Unlock()

	if err := s.client.Unload(ctx, name); err != nil {
		return err
	}
	s.log.Info("model", "model unloaded", map[string]interface{}{"model": name})

	if s.eventPublisher != nil {
		if err := s.eventPublisher.Publish(ctx, events.NewModelUnloaded(name)); err != nil {
			s.log.Warn("model", "failed to publish MODEL_UNLOADED event", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

func (s *modelService) MemoryInfo() (*dto.MemoryInfoResponse, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	const gb = 1024 * 1024 * 1024
	return &dto.MemoryInfoResponse{
		TotalGB:   v.Total / gb,
		FreeGB:    v.Available / gb,
		UsedGB:    v.Used / gb,
		Timestamp: time.Now().Unix(),
	}, nil
}
