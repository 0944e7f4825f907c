// internal/machine/activation.go
package machine

import "math"

type activationFunc func(v []float32)

var activations = map[string]activationFunc{
	ActivationLinear:  func([]float32) {},
	ActivationReLU:    relu,
	ActivationSigmoid: sigmoid,
	ActivationTanh:    tanh,
	ActivationSoftmax: softmax,
}

func relu(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

func sigmoid(v []float32) {
	for i, x := range v {
		v[i] = float32(1 / (1 + math.Exp(-float64(x))))
	}
}

func tanh(v []float32) {
	for i, x := range v {
		v[i] = float32(math.Tanh(float64(x)))
	}
}

// softmax subtracts the max before exponentiating so large logits do not
// overflow.
func softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	hi := v[0]
	for _, x := range v[1:] {
		if x > hi {
			hi = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - hi))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
