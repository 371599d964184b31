package storage

// The image cache owns the raw upload bytes for the lifetime of the
// process only. A restart loses the bytes; the durable reference is the
// backend image path on the submission row.

// PutImage caches the raw image bytes for a submission.
func (s *Store) PutImage(id string, data []byte) {
	s.imgMu.Lock()
	defer s.imgMu.Unlock()
	s.images[id] = data
}

// Image returns the cached image bytes, if still held this session.
func (s *Store) Image(id string) ([]byte, bool) {
	s.imgMu.RLock()
	defer s.imgMu.RUnlock()
	data, ok := s.images[id]
	return data, ok
}

// DropImage releases the cached bytes for a submission.
func (s *Store) DropImage(id string) {
	s.imgMu.Lock()
	defer s.imgMu.Unlock()
	delete(s.images, id)
}

// ClearImages releases every cached image.
func (s *Store) ClearImages() {
	s.imgMu.Lock()
	defer s.imgMu.Unlock()
	s.images = make(map[string][]byte)
}
