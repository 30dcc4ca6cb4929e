package domain

// Marker is a point of interest created during a recorded session.
// Times are seconds elapsed since the respective capture started; either
// may be absent when that capture is not running.
type Marker struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier,omitempty"`
	VideoTime  *float64 `json:"video_time,omitempty"`
	STTTime    *float64 `json:"stt_time,omitempty"`
}
