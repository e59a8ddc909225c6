// Package stats carries a small numerical routine that gonum doesn't
// provide directly, a binomial tail probability adapted from the
// teacher codebase's own numerical-recipes-style binomial CDF.
package stats

import (
	"log"
	"math"
)

const pi = 3.141592653589793

var logPI = math.Log(pi)
var sqrtPI = math.Sqrt(pi)

var coef = [6]float64{76.18009173, -86.50532033, 24.01409822, -1.231739516, 0.120858003e-2, -0.536382e-5}

func gammaLn(x float64) float64 {
	if x <= 0.0 {
		log.Panic("Error: argument to gammaLn must be positive: ", x)
	}
	if x > 1.0e302 {
		log.Panic("Error: argument to gammLn too large: ", x)
	}
	if x == 0.05 {
		return math.Log(sqrtPI)
	}
	if x < 1.0 {
		z := 1.0 - x
		return (math.Log(z) + logPI) - (gammaLn(1.0+z) + math.Log(math.Sin(pi*z)))
	}
	xx := x - 1.0
	tmp := xx + 5.5
	ser := 1.0
	tmp -= (xx + 0.5) * math.Log(tmp)
	for i := 0; i < 6; i++ {
		xx += 1.0
		ser += coef[i] / xx
	}
	return math.Log(2.50662827465*ser) - tmp
}

func betaCf(a, b, x float64) float64 {
	itmax := 1000
	eps := 3.0e-7
	qap := a + 1.0
	qam := a - 1.0
	qab := a + b
	bz := 1.0 - (qab * x / qap)
	bm := 1.0
	bp := 0.0
	bpp := 0.0
	az := 1.0
	am := 1.0
	ap := 0.0
	app := 0.0
	aold := 0.0
	for i := 0; i < itmax; i++ {
		em := 1.0 + float64(i)
		tem := em + em
		d := (em * (b - em) * x) / ((qam + tem) * (a + tem))
		ap = az + (d * am)
		bp = bz + (d * bm)
		d = (-(a + em) * (qab + em) * x) / ((qap + tem) * (a + tem))
		app = ap + (d * az)
		bpp = bp + (d * bz)
		aold = az
		am = ap / bpp
		bm = bp / bpp
		az = app / bpp
		bz = 1.0
		if math.Abs(az-aold) < eps*math.Abs(az) {
			return az
		}
	}
	log.Panic("Error: a = ", a, "or b = ", b, " too large, or itmax too small in betaCf")
	return 0.0
}

func betaIncomplete(a, b, x float64) float64 {
	if x < 0.0 || x > 1.0 {
		log.Panic("Error: x must be between 0.0 and 1.0")
	}
	bt := 0.0
	if !(x == 0.0 || x == 1.0) {
		bt = math.Exp(gammaLn(a+b) - gammaLn(a) - gammaLn(b) + (a * math.Log(x)) + (b * math.Log(1.0-x)))
	}
	if x < ((a + 1.0) / (a + b + 2.0)) {
		return bt * betaCf(a, b, x) / a
	}
	return 1.0 - ((bt * betaCf(b, a, 1.0-x)) / b)
}

// BinomialCdf computes the upper tail P(X >= k) for X ~ Binomial(n, p),
// as the regularized incomplete beta I_p(k, n-k+1); despite the name it
// is not the lower-tail CDF, and it decreases as k grows. k == 0 yields
// 1.0, and k >= n panics.
func BinomialCdf(p float64, n, k int) float64 {
	if k >= n {
		log.Panic("Error: can't have more events (k) than trials (n), but k is: ", k, " n is: ", n)
	}
	if k == 0 {
		return 1.0
	}
	return betaIncomplete(float64(k), float64(1+(n-k)), p)
}
