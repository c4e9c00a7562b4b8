package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden             ErrCode = "FORBIDDEN"
	ErrParticipantAccessOnly ErrCode = "PARTICIPANT_ACCESS_ONLY"
	ErrProctorAccessOnly     ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Assessment-specific ───────────────────────────────────────────
	ErrAssessmentNotPublished ErrCode = "ASSESSMENT_NOT_PUBLISHED"
	ErrInvalidDefinition      ErrCode = "INVALID_DEFINITION"

	// ─── Virtual room ──────────────────────────────────────────────────
	ErrRoomNotFound      ErrCode = "ROOM_NOT_FOUND"
	ErrRoomExists        ErrCode = "ROOM_ALREADY_EXISTS"
	ErrRoomEnded         ErrCode = "ROOM_ENDED"
	ErrInvalidTransition ErrCode = "INVALID_ROOM_TRANSITION"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrParticipantAccessOnly:
		return "Sumber daya ini terbatas untuk peserta."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Data yang dikirim tidak valid."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Format payload tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Data tidak ditemukan."
	case ErrConflict:
		return "Data sudah ada."

	// ─── Assessment-specific ───────────────────────────────────────────
	case ErrAssessmentNotPublished:
		return "Asesmen belum dipublikasikan."
	case ErrInvalidDefinition:
		return "Definisi asesmen tidak valid."

	// ─── Virtual room ──────────────────────────────────────────────────
	case ErrRoomNotFound:
		return "Ruang ujian tidak ditemukan."
	case ErrRoomExists:
		return "Ruang ujian untuk penugasan ini sudah dibuka."
	case ErrRoomEnded:
		return "Ruang ujian sudah berakhir."
	case ErrInvalidTransition:
		return "Status ruang ujian tidak dapat diubah ke status tersebut."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan pada server."

	default:
		return "Terjadi kesalahan."
	}
}
