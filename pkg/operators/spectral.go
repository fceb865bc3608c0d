package operators

import (
	"context"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

func init() {
	Register("dog", Definition{
		Params: func() Params { return &DoGParams{Sigma: 1, Sigma2: 2} },
		Build:  func(p Params) Operator { return dog{*p.(*DoGParams)} },
	})
}

// DoGParams configures dog, a difference of gaussians. The blur with Sigma2
// is subtracted from the blur with Sigma and negative responses are zeroed,
// which keeps spots of roughly Sigma and drops the smooth background.
type DoGParams struct {
	Sigma  float64 `yaml:"sigma"`
	Sigma2 float64 `yaml:"sigma2"`
}

func (p *DoGParams) Validate() error {
	if p.Sigma <= 0 {
		return fmt.Errorf("sigma must be positive, got %g", p.Sigma)
	}
	if p.Sigma2 <= p.Sigma {
		return fmt.Errorf("sigma2 %g must exceed sigma %g", p.Sigma2, p.Sigma)
	}
	return nil
}

type dog struct{ p DoGParams }

func (d dog) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	shape := in.Shape()
	inner := load(in)
	outer := slices.Clone(inner)
	if err := spectralBlur(ctx, inner, shape, d.p.Sigma); err != nil {
		return nil, err
	}
	if err := spectralBlur(ctx, outer, shape, d.p.Sigma2); err != nil {
		return nil, err
	}
	for i := range inner {
		inner[i] = max(inner[i]-outer[i], 0)
	}
	return store(env, shape, volume.Float32, inner)
}

// spectralBlur blurs buf in place, one axis at a time, by multiplying the
// spectrum of every line with the gaussian transfer function. Lines are
// padded with their edge values over four standard deviations so the
// periodic transform does not wrap one border into the other.
func spectralBlur(ctx context.Context, buf []float64, shape models.Shape, sigma float64) error {
	pad := int(math.Ceil(4 * sigma))
	for a := 0; a < 3; a++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := shape[a]
		m := n + 2*pad
		fft := fourier.NewFFT(m)

		// the transform is unnormalized, so 1/m goes into the gain
		gain := make([]float64, m/2+1)
		for k := range gain {
			f := fft.Freq(k)
			gain[k] = math.Exp(-2*math.Pi*math.Pi*sigma*sigma*f*f) / float64(m)
		}

		line := make([]float64, m)
		coeff := make([]complex128, m/2+1)
		forEachLine(shape, a, func(base, stride int) {
			for i := range line {
				line[i] = buf[base+clamp(i-pad, n)*stride]
			}
			fft.Coefficients(coeff, line)
			for k, g := range gain {
				coeff[k] *= complex(g, 0)
			}
			fft.Sequence(line, coeff)
			for i := 0; i < n; i++ {
				buf[base+i*stride] = line[i+pad]
			}
		})
	}
	return nil
}
