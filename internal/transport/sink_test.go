package transport

import (
	"sync"

	"peerprep/collab/internal/models"
)

type recordingSink struct {
	mu       sync.Mutex
	statuses []models.ConnectionStatus
	frames   []models.Frame
}

func (s *recordingSink) HandleStatus(status models.ConnectionStatus) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

func (s *recordingSink) HandleFrame(frame models.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
}

func (s *recordingSink) lastStatus() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

func (s *recordingSink) received() []models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSink) history() []models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConnectionStatus(nil), s.statuses...)
}

// reactingSink records like recordingSink and then runs onStatus, standing
// in for observers that act on a status change.
type reactingSink struct {
	recordingSink
	onStatus func(models.ConnectionStatus)
}

func (s *reactingSink) HandleStatus(status models.ConnectionStatus) {
	s.recordingSink.HandleStatus(status)
	if s.onStatus != nil {
		s.onStatus(status)
	}
}
