package geo

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the spatial reference used for every stored geometry.
const SRID = 4326

// EncodePoint converts p to little-endian EWKB bytes with SRID 4326, suitable
// for a PostGIS geometry(Point,4326) column.
func EncodePoint(p Point) ([]byte, error) {
	g := geom.NewPointFlat(geom.XY, []float64{p.Lon, p.Lat}).SetSRID(SRID)
	data, err := ewkb.Marshal(g, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode EWKB point")
	}
	return data, nil
}
