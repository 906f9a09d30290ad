package models

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Enums
type RequestStatus string

const (
	RequestStatusPending          RequestStatus = "pending"
	RequestStatusGeneratingScript RequestStatus = "generating_script"
	RequestStatusGeneratingVoice  RequestStatus = "generating_voice"
	RequestStatusGeneratingVideo  RequestStatus = "generating_video"
	RequestStatusCompositing      RequestStatus = "compositing"
	RequestStatusCompleted        RequestStatus = "completed"
	RequestStatusFailed           RequestStatus = "failed"
)

// Terminal reports whether the status is a final state for a request.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

type ScriptType string

const (
	ScriptTypeAIGenerated  ScriptType = "ai_generated"
	ScriptTypeUserProvided ScriptType = "user_provided"
	ScriptTypeTemplate     ScriptType = "template"
)

// ParseScriptType rejects unknown variants instead of passing raw strings through.
func ParseScriptType(s string) (ScriptType, bool) {
	switch ScriptType(s) {
	case ScriptTypeAIGenerated, ScriptTypeUserProvided, ScriptTypeTemplate:
		return ScriptType(s), true
	}
	return "", false
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"

	// VisibilityPendingReview is the initial visibility of every new video —
	// videos become visible only after the moderation service approves them.
	VisibilityPendingReview Visibility = "pending_review"
)

func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(s) {
	case VisibilityPublic, VisibilityPrivate:
		return Visibility(s), true
	}
	return "", false
}

type ModerationStatus string

const (
	ModerationStatusPending  ModerationStatus = "pending"
	ModerationStatusApproved ModerationStatus = "approved"
	ModerationStatusRejected ModerationStatus = "rejected"
)

type TransactionType string

const (
	TransactionTypePurchase         TransactionType = "purchase"
	TransactionTypeGenerationSpend  TransactionType = "generation_spend"
	TransactionTypePrivateSurcharge TransactionType = "private_surcharge"
	TransactionTypeRefund           TransactionType = "refund"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type MediaAssetKind string

const (
	MediaAssetKindAmbientSound MediaAssetKind = "ambient_sound"
	MediaAssetKindMusicTrack   MediaAssetKind = "music_track"
)

// Models

type User struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	CreditsBalance int       `json:"credits_balance"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type GenerationRequest struct {
	ID              uuid.UUID     `json:"id"`
	UserID          uuid.UUID     `json:"user_id"`
	VisualPrompt    string        `json:"visual_prompt"`
	ScriptType      ScriptType    `json:"script_type"`
	ScriptContent   *string       `json:"script_content,omitempty"`
	DurationSeconds int           `json:"duration_seconds"`
	AmbientSoundID  *uuid.UUID    `json:"ambient_sound_id,omitempty"`
	MusicTrackID    *uuid.UUID    `json:"music_track_id,omitempty"`
	Visibility      Visibility    `json:"visibility"`
	CreditsCharged  int           `json:"credits_charged"`
	Status          RequestStatus `json:"status"`
	Progress        int           `json:"progress"`
	VideoID         *uuid.UUID    `json:"video_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// CreditTransaction is one row of the append-only ledger. Positive amounts
// are grants, negative amounts are spends.
type CreditTransaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Amount      int             `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Video struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"user_id"`
	Title            string           `json:"title"`
	StorageKey       string           `json:"storage_key"`
	ThumbnailKey     string           `json:"thumbnail_key"`
	DurationSeconds  int              `json:"duration_seconds"`
	Visibility       Visibility       `json:"visibility"`
	ModerationStatus ModerationStatus `json:"moderation_status"`
	VisualPrompt     string           `json:"visual_prompt"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// MediaAsset is a catalog entry for the ambient sounds and music tracks
// that can be mixed into a generation.
type MediaAsset struct {
	ID         uuid.UUID      `json:"id"`
	Kind       MediaAssetKind `json:"kind"`
	Title      string         `json:"title"`
	StorageKey string         `json:"storage_key"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DTOs

type CreateGenerationRequest struct {
	VisualPrompt    string     `json:"visualPrompt"`
	ScriptType      string     `json:"scriptType"`
	ScriptContent   *string    `json:"scriptContent,omitempty"`
	DurationSeconds int        `json:"durationSeconds"`
	AmbientSoundID  *uuid.UUID `json:"ambientSoundId,omitempty"`
	MusicTrackID    *uuid.UUID `json:"musicTrackId,omitempty"`
	Visibility      *string    `json:"visibility,omitempty"`
}

// Validate checks the submission body and returns a field → message map,
// empty when the request is valid.
func (r *CreateGenerationRequest) Validate() map[string]string {
	problems := map[string]string{}

	if n := utf8.RuneCountInString(r.VisualPrompt); n < 1 || n > 1000 {
		problems["visualPrompt"] = "must be between 1 and 1000 characters"
	}

	scriptType, ok := ParseScriptType(r.ScriptType)
	if !ok {
		problems["scriptType"] = "must be one of: ai_generated, user_provided, template"
	} else if scriptType != ScriptTypeAIGenerated {
		if r.ScriptContent == nil || *r.ScriptContent == "" {
			problems["scriptContent"] = "required when scriptType is user_provided or template"
		}
	}

	if !ValidDuration(r.DurationSeconds) {
		problems["durationSeconds"] = "must be one of: 60, 120, 180, 300"
	}

	if r.Visibility != nil {
		if _, ok := ParseVisibility(*r.Visibility); !ok {
			problems["visibility"] = "must be one of: public, private"
		}
	}

	return problems
}

// ResolvedVisibility applies the default when the field was omitted.
func (r *CreateGenerationRequest) ResolvedVisibility() Visibility {
	if r.Visibility == nil {
		return VisibilityPublic
	}
	v, ok := ParseVisibility(*r.Visibility)
	if !ok {
		return VisibilityPublic
	}
	return v
}

type ProgressResponse struct {
	ID       uuid.UUID     `json:"id"`
	Status   RequestStatus `json:"status"`
	Progress int           `json:"progress"`
	VideoID  *uuid.UUID    `json:"videoId,omitempty"`
}

type ListGenerationsResponse struct {
	Requests []GenerationRequest `json:"requests"`
	Page     int                 `json:"page"`
	Limit    int                 `json:"limit"`
	Total    int                 `json:"total"`
}

type CreditsResponse struct {
	Balance      int                 `json:"balance"`
	Transactions []CreditTransaction `json:"transactions"`
}
