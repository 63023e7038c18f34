package features

import "math"

const earthRadiusKm = 6371.0

// LatLon is a point on the globe in degrees.
type LatLon struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lon float64 `yaml:"lon" json:"lon"`
}

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b LatLon) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// defaultCentroids are approximate population centroids used when no risk
// table file overrides them. UK is accepted as an alias of GB.
var defaultCentroids = map[string]LatLon{
	"US": {39.83, -98.58},
	"CA": {56.13, -106.35},
	"MX": {23.63, -102.55},
	"BR": {-14.24, -51.93},
	"AR": {-38.42, -63.62},
	"CO": {4.57, -74.30},
	"GB": {52.36, -1.17},
	"UK": {52.36, -1.17},
	"IE": {53.41, -8.24},
	"FR": {46.23, 2.21},
	"DE": {51.17, 10.45},
	"NL": {52.13, 5.29},
	"BE": {50.50, 4.47},
	"ES": {40.46, -3.75},
	"PT": {39.40, -8.22},
	"IT": {41.87, 12.57},
	"CH": {46.82, 8.23},
	"AT": {47.52, 14.55},
	"PL": {51.92, 19.15},
	"SE": {60.13, 18.64},
	"NO": {60.47, 8.47},
	"DK": {56.26, 9.50},
	"FI": {61.92, 25.75},
	"RU": {61.52, 105.32},
	"UA": {48.38, 31.17},
	"TR": {38.96, 35.24},
	"IL": {31.05, 34.85},
	"AE": {23.42, 53.85},
	"SA": {23.89, 45.08},
	"EG": {26.82, 30.80},
	"NG": {9.08, 8.68},
	"KE": {-0.02, 37.91},
	"ZA": {-30.56, 22.94},
	"IN": {20.59, 78.96},
	"PK": {30.38, 69.35},
	"CN": {35.86, 104.20},
	"HK": {22.40, 114.11},
	"JP": {36.20, 138.25},
	"KR": {35.91, 127.77},
	"SG": {1.35, 103.82},
	"TH": {15.87, 100.99},
	"VN": {14.06, 108.28},
	"PH": {12.88, 121.77},
	"ID": {-0.79, 113.92},
	"MY": {4.21, 101.98},
	"AU": {-25.27, 133.78},
	"NZ": {-40.90, 174.89},
}
