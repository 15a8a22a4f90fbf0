package models

import "time"

type CommandAction string

const (
	CommandStart  CommandAction = "start"
	CommandStop   CommandAction = "stop"
	CommandPause  CommandAction = "pause"
	CommandResume CommandAction = "resume"
)

// FeedCommand is a start/stop instruction for one video feed.
type FeedCommand struct {
	FeedID      string         `json:"feed_id"`
	Action      CommandAction  `json:"action"`
	VideoSource string         `json:"video_source"`
	Options     ProcessOptions `json:"options"`
}

type Heartbeat struct {
	FeedID    string        `json:"FeedID"`
	Action    CommandAction `json:"Action"`
	Frame     int64         `json:"Frame"`
	Events    int64         `json:"Events"`
	TimeStamp time.Time     `json:"TimeStamp"`
}

// Feed is the persisted state of a video feed
type Feed struct {
	ID          string         `json:"id"`
	Action      CommandAction  `json:"action"`
	VideoSource string         `json:"video_source"`
	Options     ProcessOptions `json:"options"`
	Frames      int64          `json:"frames"`
	Events      int64          `json:"events"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
