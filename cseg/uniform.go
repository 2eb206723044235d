package cseg

import (
	"fmt"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/spatial"
)

// uniformSegmentation divides the world along each axis by a fixed
// per-dimension count; lookup is O(1) arithmetic. Change events never
// fire (§4.1): the assignment is baked in at construction.
type uniformSegmentation struct {
	world      spatial.Aabb
	nx, ny, nz int
	assignment []ids.ServerId // length nx*ny*nz, row-major (x, then y, then z)
	cellSize   spatial.Point3
	servers    uint32
}

func newUniform(cfg Config) (Segmentation, error) {
	if cfg.GridX <= 0 || cfg.GridY <= 0 || cfg.GridZ <= 0 {
		return nil, fmt.Errorf("cseg: uniform grid dimensions must be positive, got (%d,%d,%d)", cfg.GridX, cfg.GridY, cfg.GridZ)
	}
	want := cfg.GridX * cfg.GridY * cfg.GridZ
	if len(cfg.Assignment) != want {
		return nil, fmt.Errorf("cseg: uniform assignment length %d, want %d (grid %dx%dx%d)", len(cfg.Assignment), want, cfg.GridX, cfg.GridY, cfg.GridZ)
	}
	u := &uniformSegmentation{
		world: cfg.World,
		nx:    cfg.GridX, ny: cfg.GridY, nz: cfg.GridZ,
		assignment: append([]ids.ServerId(nil), cfg.Assignment...),
	}
	span := spatial.Point3{
		X: cfg.World.Max.X - cfg.World.Min.X,
		Y: cfg.World.Max.Y - cfg.World.Min.Y,
		Z: cfg.World.Max.Z - cfg.World.Min.Z,
	}
	u.cellSize = spatial.Point3{
		X: span.X / float32(u.nx),
		Y: span.Y / float32(u.ny),
		Z: span.Z / float32(u.nz),
	}
	seen := map[ids.ServerId]bool{}
	for _, s := range u.assignment {
		seen[s] = true
	}
	u.servers = uint32(len(seen))
	return u, nil
}

func clampedCellIndex(v, min, cellSize float32, n int) int {
	if cellSize <= 0 {
		return 0
	}
	idx := int((v - min) / cellSize)
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

func (u *uniformSegmentation) cellAt(p spatial.Point3) int {
	p = u.world.Clamp(p)
	ix := clampedCellIndex(p.X, u.world.Min.X, u.cellSize.X, u.nx)
	iy := clampedCellIndex(p.Y, u.world.Min.Y, u.cellSize.Y, u.ny)
	iz := clampedCellIndex(p.Z, u.world.Min.Z, u.cellSize.Z, u.nz)
	return (iz*u.ny+iy)*u.nx + ix
}

func (u *uniformSegmentation) Lookup(p spatial.Point3) ids.ServerId {
	return u.assignment[u.cellAt(p)]
}

func (u *uniformSegmentation) RegionOf(server ids.ServerId) spatial.Region {
	var region spatial.Region
	for iz := 0; iz < u.nz; iz++ {
		for iy := 0; iy < u.ny; iy++ {
			for ix := 0; ix < u.nx; ix++ {
				idx := (iz*u.ny+iy)*u.nx + ix
				if u.assignment[idx] != server {
					continue
				}
				region = append(region, spatial.Aabb{
					Min: spatial.Point3{
						X: u.world.Min.X + float32(ix)*u.cellSize.X,
						Y: u.world.Min.Y + float32(iy)*u.cellSize.Y,
						Z: u.world.Min.Z + float32(iz)*u.cellSize.Z,
					},
					Max: spatial.Point3{
						X: u.world.Min.X + float32(ix+1)*u.cellSize.X,
						Y: u.world.Min.Y + float32(iy+1)*u.cellSize.Y,
						Z: u.world.Min.Z + float32(iz+1)*u.cellSize.Z,
					},
				})
			}
		}
	}
	return region
}

func (u *uniformSegmentation) WorldRegion() spatial.Aabb { return u.world }
func (u *uniformSegmentation) NumServers() uint32        { return u.servers }

// OnChange is a no-op: the uniform grid's assignment is fixed for the
// process lifetime, so it never fires (§4.1).
func (u *uniformSegmentation) OnChange(ChangeListener) {}

func (u *uniformSegmentation) Close() error { return nil }
