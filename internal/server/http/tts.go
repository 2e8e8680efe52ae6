package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/voxforge/internal/apperr"
	"github.com/ekisa-team/voxforge/internal/catalog"
	"github.com/ekisa-team/voxforge/internal/model"
	"github.com/ekisa-team/voxforge/internal/service"
	"github.com/ekisa-team/voxforge/internal/session"
)

// maxUploadBytes bounds a multipart upload; the service applies the
// configured sample limit on top.
const maxUploadBytes = 64 << 20

type (
	ModelsResponseDTO struct {
		FetchedAt     time.Time            `json:"fetched_at"`
		SingleSpeaker []catalog.Descriptor `json:"single_speaker"`
		VoiceCloning  []catalog.Descriptor `json:"voice_cloning"`
		Error         string               `json:"error,omitempty" doc:"Set when the model list could not be retrieved"`
	}

	SelectModelRequestDTO struct {
		Mode    string `json:"mode" enum:"pretrained,cloning"`
		ModelID string `json:"model_id"`
	}

	SynthesizeRequestDTO struct {
		Text     string `json:"text" maxLength:"100000"`
		Speaker  string `json:"speaker,omitempty"`
		Language string `json:"language,omitempty"`
		Slot     string `json:"slot,omitempty"`
	}

	LoadedModelsResponseDTO struct {
		Models []model.Info `json:"models"`
	}

	HealthResponseDTO struct {
		Status string `json:"status"`
		Device string `json:"device"`
	}
)

type (
	HealthOutput struct {
		Body HealthResponseDTO
	}

	OptionsOutput struct {
		Body service.Options
	}

	ListModelsInput struct {
		Refresh bool `query:"refresh" doc:"Fetch the list again instead of using the cached one"`
	}

	ListModelsOutput struct {
		Body ModelsResponseDTO
	}

	SessionInput struct {
		ID string `path:"id"`
	}

	SessionOutput struct {
		Body session.View
	}

	SelectModelInput struct {
		ID   string `path:"id"`
		Body SelectModelRequestDTO
	}

	SelectModelOutput struct {
		Body *service.Selection
	}

	UploadSampleInput struct {
		ID      string `path:"id"`
		Slot    string `path:"slot"`
		RawBody huma.MultipartFormFiles[struct {
			File huma.FormFile `form:"file" contentType:"audio/*,application/octet-stream" required:"true"`
		}]
	}

	RemoveSampleInput struct {
		ID   string `path:"id"`
		Slot string `path:"slot"`
	}

	SynthesizeInput struct {
		ID   string `path:"id"`
		Body SynthesizeRequestDTO
	}

	SynthesizeOutput struct {
		Body *service.Generation
	}

	LoadedModelsOutput struct {
		Body LoadedModelsResponseDTO
	}
)

// TTSHandler handles HTTP requests for TTS.
type TTSHandler struct {
	service *service.TTS
}

// NewTTSHandler creates a new TTSHandler instance.
func NewTTSHandler(api huma.API, service *service.TTS) *TTSHandler {
	h := &TTSHandler{service: service}

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness probe",
		Tags:        []string{"system"},
	}, h.handleHealth)

	huma.Register(api, huma.Operation{
		OperationID: "get-options",
		Method:      http.MethodGet,
		Path:        "/api/options",
		Summary:     "Languages, voice slots and default texts",
		Tags:        []string{"tts"},
	}, h.handleOptions)

	huma.Register(api, huma.Operation{
		OperationID: "list-models",
		Method:      http.MethodGet,
		Path:        "/api/models",
		Summary:     "List pre-trained and voice-cloning models",
		Tags:        []string{"models"},
	}, h.handleListModels)

	huma.Register(api, huma.Operation{
		OperationID: "list-loaded-models",
		Method:      http.MethodGet,
		Path:        "/api/loaded-models",
		Summary:     "List models resident in memory",
		Tags:        []string{"models"},
	}, h.handleLoadedModels)

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/api/sessions",
		Summary:       "Start a session",
		Tags:          []string{"sessions"},
		DefaultStatus: http.StatusCreated,
	}, h.handleCreateSession)

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{id}",
		Summary:     "Get a session",
		Tags:        []string{"sessions"},
	}, h.handleGetSession)

	huma.Register(api, huma.Operation{
		OperationID: "select-model",
		Method:      http.MethodPut,
		Path:        "/api/sessions/{id}/model",
		Summary:     "Select and load a model",
		Tags:        []string{"sessions"},
	}, h.handleSelectModel)

	huma.Register(api, huma.Operation{
		OperationID:  "upload-sample",
		Method:       http.MethodPut,
		Path:         "/api/sessions/{id}/samples/{slot}",
		Summary:      "Upload a WAV reference sample into a voice slot",
		Tags:         []string{"sessions"},
		MaxBodyBytes: maxUploadBytes,
	}, h.handleUploadSample)

	huma.Register(api, huma.Operation{
		OperationID: "remove-sample",
		Method:      http.MethodDelete,
		Path:        "/api/sessions/{id}/samples/{slot}",
		Summary:     "Remove the reference sample from a voice slot",
		Tags:        []string{"sessions"},
	}, h.handleRemoveSample)

	huma.Register(api, huma.Operation{
		OperationID: "synthesize",
		Method:      http.MethodPost,
		Path:        "/api/sessions/{id}/synthesize",
		Summary:     "Synthesize speech with the selected model",
		Tags:        []string{"tts"},
	}, h.handleSynthesize)

	return h
}

func (h *TTSHandler) handleHealth(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	return &HealthOutput{
		Body: HealthResponseDTO{Status: "ok", Device: string(h.service.Options().Device)},
	}, nil
}

func (h *TTSHandler) handleOptions(_ context.Context, _ *struct{}) (*OptionsOutput, error) {
	return &OptionsOutput{Body: h.service.Options()}, nil
}

// handleListModels never fails: a catalog error is reported next to two
// empty lists so the page stays usable.
func (h *TTSHandler) handleListModels(ctx context.Context, input *ListModelsInput) (*ListModelsOutput, error) {
	listing, err := h.service.Models(ctx, input.Refresh)

	out := &ListModelsOutput{
		Body: ModelsResponseDTO{
			FetchedAt:     listing.FetchedAt,
			SingleSpeaker: listing.SingleSpeaker,
			VoiceCloning:  listing.VoiceCloning,
		},
	}
	if err != nil {
		out.Body.Error = apperr.UserMessage(err)
	}

	return out, nil
}

func (h *TTSHandler) handleLoadedModels(_ context.Context, _ *struct{}) (*LoadedModelsOutput, error) {
	models := h.service.LoadedModels()
	if models == nil {
		models = []model.Info{}
	}

	return &LoadedModelsOutput{Body: LoadedModelsResponseDTO{Models: models}}, nil
}

func (h *TTSHandler) handleCreateSession(_ context.Context, _ *struct{}) (*SessionOutput, error) {
	return &SessionOutput{Body: h.service.CreateSession()}, nil
}

func (h *TTSHandler) handleGetSession(_ context.Context, input *SessionInput) (*SessionOutput, error) {
	view, err := h.service.Session(input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}

	return &SessionOutput{Body: view}, nil
}

func (h *TTSHandler) handleSelectModel(ctx context.Context, input *SelectModelInput) (*SelectModelOutput, error) {
	sel, err := h.service.SelectModel(ctx, input.ID, input.Body.Mode, input.Body.ModelID)
	if err != nil {
		return nil, toHumaError(err)
	}

	return &SelectModelOutput{Body: sel}, nil
}

func (h *TTSHandler) handleUploadSample(_ context.Context, input *UploadSampleInput) (*SessionOutput, error) {
	file := input.RawBody.Data().File
	if !file.IsSet {
		return nil, huma.Error422UnprocessableEntity("Please choose a WAV file to upload")
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, huma.Error400BadRequest("failed to read uploaded file", err)
	}

	view, err := h.service.UploadSample(input.ID, input.Slot, file.Filename, data)
	if err != nil {
		return nil, toHumaError(err)
	}

	return &SessionOutput{Body: view}, nil
}

func (h *TTSHandler) handleRemoveSample(_ context.Context, input *RemoveSampleInput) (*SessionOutput, error) {
	view, err := h.service.RemoveSample(input.ID, input.Slot)
	if err != nil {
		return nil, toHumaError(err)
	}

	return &SessionOutput{Body: view}, nil
}

func (h *TTSHandler) handleSynthesize(ctx context.Context, input *SynthesizeInput) (*SynthesizeOutput, error) {
	gen, err := h.service.Generate(ctx, input.ID, service.GenerateRequest{
		Text:     input.Body.Text,
		Speaker:  input.Body.Speaker,
		Language: input.Body.Language,
		Slot:     input.Body.Slot,
	})
	if err != nil {
		return nil, toHumaError(err)
	}

	return &SynthesizeOutput{Body: gen}, nil
}
