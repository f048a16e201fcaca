package policy

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/metahuman-os/metahuman/internal/coreerr"
	"github.com/metahuman-os/metahuman/pkg/models"
)

// ModeHolder is the single-writer holder of the process-wide cognitive
// mode. Readers get a versioned snapshot so a handler observes one
// coherent (mode, version) pair for the whole request.
type ModeHolder struct {
	mu      sync.RWMutex
	mode    models.CognitiveMode
	version uint64

	highSecurity    bool
	wetwareDeceased bool
}

// NewModeHolder creates the holder. HIGH_SECURITY pins the mode to
// high-security and blocks all changes; WETWARE_DECEASED removes
// dual-consciousness from the allowed set.
func NewModeHolder(highSecurity, wetwareDeceased bool) *ModeHolder {
	initial := models.ModeEmulation
	if highSecurity {
		initial = models.ModeHighSecurity
	}
	return &ModeHolder{
		mode:            initial,
		version:         1,
		highSecurity:    highSecurity,
		wetwareDeceased: wetwareDeceased,
	}
}

// Mode returns the current mode and its snapshot version.
func (h *ModeHolder) Mode() (models.CognitiveMode, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode, h.version
}

// SetMode switches the process mode. Rejected under high-security, for
// unknown modes, and for dual-consciousness when the wetware is
// recorded deceased.
func (h *ModeHolder) SetMode(mode models.CognitiveMode) error {
	if !mode.Valid() || mode == models.ModeHighSecurity {
		return coreerr.New(coreerr.Validation, "invalid cognitive mode %q", mode)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.highSecurity {
		return coreerr.WithReason(coreerr.Forbidden, ReasonHighSecurity,
			"cognitive mode is locked")
	}
	if mode == models.ModeDualConsciousness && h.wetwareDeceased {
		return coreerr.New(coreerr.Validation, "dual-consciousness mode is unavailable")
	}

	if h.mode != mode {
		log.Info().
			Str("from", string(h.mode)).
			Str("to", string(mode)).
			Msg("Cognitive mode changed")
		h.mode = mode
		h.version++
	}
	return nil
}
