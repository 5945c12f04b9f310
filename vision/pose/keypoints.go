package pose

import "fmt"

// NumKeypoints is the number of body landmarks produced by the landmarker.
const NumKeypoints = 33

// Landmark indices of the BlazePose topology.
const (
	Nose = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex
)

var keypointNames = [NumKeypoints]string{
	"nose",
	"left_eye_inner",
	"left_eye",
	"left_eye_outer",
	"right_eye_inner",
	"right_eye",
	"right_eye_outer",
	"left_ear",
	"right_ear",
	"mouth_left",
	"mouth_right",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_pinky",
	"right_pinky",
	"left_index",
	"right_index",
	"left_thumb",
	"right_thumb",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
	"left_heel",
	"right_heel",
	"left_foot_index",
	"right_foot_index",
}

// KeypointName returns the snake_case name of landmark i.
func KeypointName(i int) string {
	if i < 0 || i >= NumKeypoints {
		return fmt.Sprintf("keypoint_%d", i)
	}
	return keypointNames[i]
}

// KeypointIndex is the inverse of KeypointName.
func KeypointIndex(name string) (int, bool) {
	for i, n := range keypointNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}
