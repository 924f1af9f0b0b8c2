package projection

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
)

// ViewRole identifies which source camera a tile was rendered from.
type ViewRole int

// Cube face roles. The coordinate system has +Y up, +Z forward and +X right.
const (
	FacePosX ViewRole = 0
	FaceNegX ViewRole = 1
	FacePosY ViewRole = 2
	FaceNegY ViewRole = 3
	FacePosZ ViewRole = 4
	FaceNegZ ViewRole = 5
)

// String returns a short name for cube roles and the number otherwise.
func (r ViewRole) String() string {
	switch r {
	case FacePosX:
		return "+X"
	case FaceNegX:
		return "-X"
	case FacePosY:
		return "+Y"
	case FaceNegY:
		return "-Y"
	case FacePosZ:
		return "+Z"
	case FaceNegZ:
		return "-Z"
	default:
		return fmt.Sprintf("role-%d", int(r))
	}
}

// Camera is a pinhole view with an orthonormal basis. Tiles rendered by the
// camera have +U towards row 0 and +R towards the last column.
type Camera struct {
	Role    ViewRole
	Forward f64.Vec3
	Right   f64.Vec3
	Up      f64.Vec3
}

var cubeLayout = []Camera{
	{Role: FacePosX, Forward: f64.Vec3{1, 0, 0}, Right: f64.Vec3{0, 0, -1}, Up: f64.Vec3{0, 1, 0}},
	{Role: FaceNegX, Forward: f64.Vec3{-1, 0, 0}, Right: f64.Vec3{0, 0, 1}, Up: f64.Vec3{0, 1, 0}},
	{Role: FacePosY, Forward: f64.Vec3{0, 1, 0}, Right: f64.Vec3{1, 0, 0}, Up: f64.Vec3{0, 0, -1}},
	{Role: FaceNegY, Forward: f64.Vec3{0, -1, 0}, Right: f64.Vec3{1, 0, 0}, Up: f64.Vec3{0, 0, 1}},
	{Role: FacePosZ, Forward: f64.Vec3{0, 0, 1}, Right: f64.Vec3{1, 0, 0}, Up: f64.Vec3{0, 1, 0}},
	{Role: FaceNegZ, Forward: f64.Vec3{0, 0, -1}, Right: f64.Vec3{-1, 0, 0}, Up: f64.Vec3{0, 1, 0}},
}

// CubeLayout returns the six cube face cameras.
func CubeLayout() []Camera {
	out := make([]Camera, len(cubeLayout))
	copy(out, cubeLayout)
	return out
}

// CubeCamera returns the cube camera for a role.
func CubeCamera(role ViewRole) (Camera, bool) {
	for _, c := range cubeLayout {
		if c.Role == role {
			return c, true
		}
	}
	return Camera{}, false
}

// tangent projects d onto the camera image plane at distance 1.
// ok is false for directions at or behind the camera plane.
func (c Camera) tangent(d f64.Vec3) (u, v float64, ok bool) {
	ma := dot(d, c.Forward)
	if ma <= 0 {
		return 0, 0, false
	}
	return dot(d, c.Right) / ma, dot(d, c.Up) / ma, true
}

// PixelDirection returns the unit direction through the center of tile pixel
// (x, y) for a w by h tile rendered with the given face overlap. It inverts
// the sample position a Plan computes for this camera.
func (c Camera) PixelDirection(x, y, w, h int, overlap float64) f64.Vec3 {
	scale := 1 + overlap
	u := (2*(float64(x)+0.5)/float64(w) - 1) * scale
	v := (1 - 2*(float64(y)+0.5)/float64(h)) * scale
	d := f64.Vec3{
		c.Forward[0] + u*c.Right[0] + v*c.Up[0],
		c.Forward[1] + u*c.Right[1] + v*c.Up[1],
		c.Forward[2] + u*c.Right[2] + v*c.Up[2],
	}
	n := math.Sqrt(dot(d, d))
	return f64.Vec3{d[0] / n, d[1] / n, d[2] / n}
}

func dot(a, b f64.Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// directionFromLatLong converts latitude and yaw (radians, 0 looks at +Z)
// into a unit direction.
func directionFromLatLong(lat, yaw float64) f64.Vec3 {
	cosLat := math.Cos(lat)
	return f64.Vec3{
		math.Sin(yaw) * cosLat,
		math.Sin(lat),
		math.Cos(yaw) * cosLat,
	}
}

// LatLongFromDirection returns latitude in [-pi/2, pi/2] and yaw in
// (-pi, pi] for a direction. The zero vector maps to (0, 0).
func LatLongFromDirection(d f64.Vec3) (lat, yaw float64) {
	length := math.Sqrt(dot(d, d))
	if length == 0 {
		return 0, 0
	}
	r := math.Hypot(d[0], d[2])
	if r < math.Abs(d[1]) {
		// acos is better conditioned near the poles
		lat = math.Acos(r / length)
		if d[1] < 0 {
			lat = -lat
		}
	} else {
		lat = math.Asin(d[1] / length)
	}
	if d[0] == 0 && d[2] == 0 {
		return lat, 0
	}
	return lat, math.Atan2(d[0], d[2])
}
