// Package geo は地理座標の計算を提供する。
package geo

import "math"

// EarthRadius は距離計算に用いる地球半径（メートル）。
const EarthRadius = 6371000.0

// Distance は2点間の大円距離をhaversine公式で計算し、メートル単位で返す。
// 引数は度単位の緯度経度。
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lng2 - lng1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
