package pose

import (
	"github.com/go-gl/mathgl/mgl32"

	"go.viam.com/posetrack/events"
)

// PersonBoundingCircle locates a detected person in world space.
type PersonBoundingCircle struct {
	Origin mgl32.Vec3 `json:"origin"`
	Radius float32    `json:"radius"`
}

// FaceBoundingBox locates a detected face in world space. BoundingBoxHeight is the box extent
// (width, height) divided by the image height.
type FaceBoundingBox struct {
	FaceWorldPosition mgl32.Vec3 `json:"face_world_position"`
	BoundingBoxHeight mgl32.Vec2 `json:"bounding_box_height"`
}

// SkeletalData holds one world-space position per landmark and whether it is tracked.
type SkeletalData struct {
	Positions [NumKeypoints]mgl32.Vec3 `json:"positions"`
	IsTracked [NumKeypoints]bool       `json:"is_tracked"`
}

// TrackedCount returns how many landmarks are tracked.
func (s SkeletalData) TrackedCount() int {
	n := 0
	for _, tracked := range s.IsTracked {
		if tracked {
			n++
		}
	}
	return n
}

// Detection events published by the pipeline.
var (
	PersonDetected   = events.NewTopic[PersonBoundingCircle]("PersonDetected")
	NoPersonDetected = events.NewTopic[events.Empty]("NoPersonDetected")
	FaceDetected     = events.NewTopic[FaceBoundingBox]("FaceDetected")
	NoFaceDetected   = events.NewTopic[events.Empty]("NoFaceDetected")
	Skeleton         = events.NewTopic[SkeletalData]("Skeleton")
)
