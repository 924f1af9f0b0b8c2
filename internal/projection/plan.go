package projection

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/image/math/f64"
	"golang.org/x/sync/errgroup"
)

// maxRoles bounds the layout size so merged-role sets fit in a uint64.
const maxRoles = 64

// Spec describes everything a Plan depends on. Two equal Specs produce
// identical Plans.
type Spec struct {
	Mode         Mode
	Width        int // target width in pixels
	Height       int // target height in pixels
	SourceWidth  int // tile width in pixels
	SourceHeight int // tile height in pixels

	// Roles restricts the layout to the given roles. Empty means the mode's
	// default roles.
	Roles []ViewRole

	// Cameras overrides the camera layout. Empty means the cube layout.
	Cameras []Camera

	// FaceOverlap is the tangent-space margin each tile renders beyond the
	// cube face edge. A tile with overlap m has a field of view of
	// 2*atan(1+m). Zero disables seam feathering.
	FaceOverlap float64

	// Curve is the feather falloff used inside the overlap margin.
	Curve Curve

	// FOV is the Mono180 field of view in degrees, in (0, 180].
	// Zero means 180.
	FOV float64
}

// Sample is one (role, source coordinate, weight) triple contributing to a
// target pixel.
type Sample struct {
	Role   ViewRole
	SX, SY float64
	Weight float64
}

// Contribution is a precomputed Sample bound to a target pixel, with its
// bilinear taps resolved against the tile size.
type Contribution struct {
	DstX, DstY int32
	X0, Y0     int32
	X1, Y1     int32
	Fx, Fy     float32
	Weight     float32
}

// Plan is the precomputed mapping for one Spec.
type Plan struct {
	spec     Spec
	cameras  []Camera
	roles    []ViewRole
	roleIdx  map[ViewRole]int
	contribs [][]Contribution // indexed like roles
	covered  int
}

// Validate checks the spec for values a plan cannot be built from.
func (s Spec) Validate() error {
	if s.Mode != Equirectangular && s.Mode != Mono180 {
		return fmt.Errorf("unknown projection mode: %d", int(s.Mode))
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid output resolution %dx%d", s.Width, s.Height)
	}
	if s.Width > math.MaxInt32 || s.Height > math.MaxInt32 {
		return fmt.Errorf("output resolution %dx%d too large", s.Width, s.Height)
	}
	if s.SourceWidth <= 0 || s.SourceHeight <= 0 {
		return fmt.Errorf("invalid source resolution %dx%d", s.SourceWidth, s.SourceHeight)
	}
	if s.FaceOverlap < 0 || math.IsNaN(s.FaceOverlap) || s.FaceOverlap > 1 {
		return fmt.Errorf("face overlap must be in [0, 1], got %v", s.FaceOverlap)
	}
	if s.Curve != Linear && s.Curve != Cosine {
		return fmt.Errorf("unknown feather curve: %d", int(s.Curve))
	}
	if s.FOV < 0 || s.FOV > 180 {
		return fmt.Errorf("mono180 field of view must be in (0, 180], got %v", s.FOV)
	}
	return nil
}

// Build validates spec and precomputes the mapping for every target pixel.
// Rows are computed in parallel.
func Build(spec Spec) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.FOV == 0 {
		spec.FOV = 180
	}

	p := &Plan{spec: spec, roleIdx: make(map[ViewRole]int)}
	if err := p.resolveCameras(); err != nil {
		return nil, err
	}

	rows := make([][][]Contribution, spec.Height)
	covered := make([]int, spec.Height)

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for y := 0; y < spec.Height; y++ {
		y := y // per-iteration copy (go.mod targets go 1.21)
		g.Go(func() error {
			rows[y], covered[y] = p.buildRow(y)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.contribs = make([][]Contribution, len(p.roles))
	for ri := range p.roles {
		n := 0
		for y := range rows {
			n += len(rows[y][ri])
		}
		list := make([]Contribution, 0, n)
		for y := range rows {
			list = append(list, rows[y][ri]...)
		}
		p.contribs[ri] = list
	}
	for _, c := range covered {
		p.covered += c
	}
	return p, nil
}

func (p *Plan) resolveCameras() error {
	layout := p.spec.Cameras
	if len(layout) == 0 {
		layout = cubeLayout
	}
	roles := p.spec.Roles
	if len(roles) == 0 {
		roles = p.spec.Mode.DefaultRoles()
	}
	if len(roles) > maxRoles {
		return fmt.Errorf("too many view roles: %d (max %d)", len(roles), maxRoles)
	}

	for _, role := range roles {
		if _, dup := p.roleIdx[role]; dup {
			return fmt.Errorf("view role %s listed twice", role)
		}
		var (
			cam   Camera
			found bool
		)
		for _, c := range layout {
			if c.Role == role {
				cam, found = c, true
				break
			}
		}
		if !found {
			return fmt.Errorf("view role %s has no camera in the layout", role)
		}
		p.roleIdx[role] = len(p.roles)
		p.roles = append(p.roles, role)
		p.cameras = append(p.cameras, cam)
	}
	if len(p.roles) == 0 {
		return errors.New("no view roles configured")
	}
	return nil
}

// buildRow computes the contributions of target row y, grouped by role
// index, and the number of covered pixels in the row.
func (p *Plan) buildRow(y int) ([][]Contribution, int) {
	out := make([][]Contribution, len(p.roles))
	samples := make([]Sample, 0, len(p.roles))
	covered := 0
	for x := 0; x < p.spec.Width; x++ {
		samples = p.appendSamples(samples[:0], x, y)
		if len(samples) > 0 {
			covered++
		}
		for _, s := range samples {
			ri := p.roleIdx[s.Role]
			out[ri] = append(out[ri], p.resolve(x, y, s))
		}
	}
	return out, covered
}

// resolve turns a sample into bilinear taps clamped to the tile.
func (p *Plan) resolve(x, y int, s Sample) Contribution {
	w, h := p.spec.SourceWidth, p.spec.SourceHeight
	sx := clamp(s.SX, 0, float64(w-1))
	sy := clamp(s.SY, 0, float64(h-1))
	x0 := int(math.Floor(sx))
	y0 := int(math.Floor(sy))
	x1 := min(x0+1, w-1)
	y1 := min(y0+1, h-1)
	return Contribution{
		DstX:   int32(x),
		DstY:   int32(y),
		X0:     int32(x0),
		Y0:     int32(y0),
		X1:     int32(x1),
		Y1:     int32(y1),
		Fx:     float32(sx - float64(x0)),
		Fy:     float32(sy - float64(y0)),
		Weight: float32(s.Weight),
	}
}

// Map returns the samples contributing to target pixel (x, y). Pixels outside
// the target or not covered by any camera return nil.
func (p *Plan) Map(x, y int) []Sample {
	if x < 0 || y < 0 || x >= p.spec.Width || y >= p.spec.Height {
		return nil
	}
	s := p.appendSamples(nil, x, y)
	if len(s) == 0 {
		return nil
	}
	return s
}

// appendSamples is the per-pixel mapping function.
func (p *Plan) appendSamples(dst []Sample, x, y int) []Sample {
	d, ok := p.direction(x, y)
	if !ok {
		return dst
	}

	m := p.spec.FaceOverlap
	start := len(dst)
	total := 0.0
	for _, cam := range p.cameras {
		u, v, ok := cam.tangent(d)
		if !ok {
			continue
		}
		wgt := featherWeight(p.spec.Curve, math.Max(math.Abs(u), math.Abs(v)), m)
		if wgt <= 0 {
			continue
		}
		scale := 1 + m
		dst = append(dst, Sample{
			Role:   cam.Role,
			SX:     (u/scale+1)/2*float64(p.spec.SourceWidth) - 0.5,
			SY:     (1-v/scale)/2*float64(p.spec.SourceHeight) - 0.5,
			Weight: wgt,
		})
		total += wgt
	}
	for i := start; i < len(dst); i++ {
		dst[i].Weight /= total
	}
	return dst
}

// direction returns the view direction of target pixel (x, y).
// ok is false when the pixel lies outside the projection's domain.
func (p *Plan) direction(x, y int) (f64.Vec3, bool) {
	w, h := float64(p.spec.Width), float64(p.spec.Height)
	switch p.spec.Mode {
	case Equirectangular:
		lon := 2 * math.Pi * (float64(x) + 0.5) / w
		lat := math.Pi/2 - math.Pi*(float64(y)+0.5)/h
		return directionFromLatLong(lat, lon-math.Pi), true
	case Mono180:
		nx := 2*(float64(x)+0.5)/w - 1
		ny := 2*(float64(y)+0.5)/h - 1
		r := math.Hypot(nx, ny)
		if r > 1 {
			return f64.Vec3{}, false
		}
		theta := r * p.spec.FOV / 2 * math.Pi / 180
		phi := math.Atan2(ny, nx)
		st := math.Sin(theta)
		return f64.Vec3{st * math.Cos(phi), -st * math.Sin(phi), math.Cos(theta)}, true
	default:
		return f64.Vec3{}, false
	}
}

// Spec returns the spec the plan was built from, with defaults applied.
func (p *Plan) Spec() Spec {
	return p.spec
}

// Roles returns the expected view roles in layout order.
func (p *Plan) Roles() []ViewRole {
	out := make([]ViewRole, len(p.roles))
	copy(out, p.roles)
	return out
}

// RoleIndex returns the position of role in Roles.
func (p *Plan) RoleIndex(role ViewRole) (int, bool) {
	i, ok := p.roleIdx[role]
	return i, ok
}

// Camera returns the camera rendering role.
func (p *Plan) Camera(role ViewRole) (Camera, bool) {
	i, ok := p.roleIdx[role]
	if !ok {
		return Camera{}, false
	}
	return p.cameras[i], true
}

// Contributions returns the precomputed contributions of role. The slice is
// shared and must not be modified.
func (p *Plan) Contributions(role ViewRole) []Contribution {
	i, ok := p.roleIdx[role]
	if !ok {
		return nil
	}
	return p.contribs[i]
}

// Coverage returns the number of target pixels each role contributes to.
func (p *Plan) Coverage() map[ViewRole]int {
	out := make(map[ViewRole]int, len(p.roles))
	for i, role := range p.roles {
		out[role] = len(p.contribs[i])
	}
	return out
}

// CoveredPixels returns the number of target pixels with at least one
// contribution.
func (p *Plan) CoveredPixels() int {
	return p.covered
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
