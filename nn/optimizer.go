package nn

import (
	"fmt"
	"math"
	"sync"

	"github.com/accessatlas/accessatlas/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate

	// Checkpoint support
	Name() string
	StateSnapshot() OptimizerSnapshot
	RestoreSnapshot(snapshot OptimizerSnapshot) error
}

// OptimizerSnapshot captures optimizer internals for checkpointing.
// State buffers are listed in parameter order.
type OptimizerSnapshot struct {
	Type   string                 `json:"type"`
	Step   int64                  `json:"step"`
	LR     float64                `json:"lr"`
	Params []map[string][]float32 `json:"params"`
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*tensor.Tensor]*tensor.Tensor
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor]*tensor.Tensor),
	}

	// Initialize velocity tensors for momentum
	if momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				velocity, _ := tensor.Zeros(param.Shape, param.DType)
				sgd.velocities[param] = velocity
			}
		}
	}

	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad := param.Grad()

		// Apply weight decay: grad = grad + weight_decay * param.data
		if sgd.weightDecay > 0 {
			weightDecayTerm, err := tensor.Scale(param, sgd.weightDecay)
			if err != nil {
				return fmt.Errorf("weight decay scaling failed: %v", err)
			}
			grad, err = tensor.Add(grad, weightDecayTerm)
			if err != nil {
				return fmt.Errorf("weight decay addition failed: %v", err)
			}
		}

		// Apply momentum
		if sgd.momentum > 0 {
			velocity := sgd.velocities[param]
			if velocity == nil {
				v, err := tensor.Zeros(param.Shape, param.DType)
				if err != nil {
					return fmt.Errorf("velocity initialization failed: %v", err)
				}
				velocity = v
				sgd.velocities[param] = velocity
			}

			// velocity = momentum * velocity + (1 - dampening) * grad
			momentumTerm, err := tensor.Scale(velocity, sgd.momentum)
			if err != nil {
				return fmt.Errorf("momentum term calculation failed: %v", err)
			}

			gradTerm, err := tensor.Scale(grad, 1.0-sgd.dampening)
			if err != nil {
				return fmt.Errorf("gradient term calculation failed: %v", err)
			}

			newVelocity, err := tensor.Add(momentumTerm, gradTerm)
			if err != nil {
				return fmt.Errorf("velocity update failed: %v", err)
			}

			// Update velocity in-place
			if err := velocity.SetData(newVelocity.Data); err != nil {
				return fmt.Errorf("velocity data update failed: %v", err)
			}

			if sgd.nesterov {
				// grad = grad + momentum * velocity
				nesterovTerm, err := tensor.Scale(newVelocity, sgd.momentum)
				if err != nil {
					return fmt.Errorf("nesterov term calculation failed: %v", err)
				}
				grad, err = tensor.Add(grad, nesterovTerm)
				if err != nil {
					return fmt.Errorf("nesterov update failed: %v", err)
				}
			} else {
				grad = newVelocity
			}
		}

		// param.data = param.data - lr * grad
		lrGrad, err := tensor.Scale(grad, sgd.learningRate)
		if err != nil {
			return fmt.Errorf("learning rate scaling failed: %v", err)
		}

		newData, err := tensor.Sub(param, lrGrad)
		if err != nil {
			return fmt.Errorf("parameter update failed: %v", err)
		}

		if err := param.SetData(newData.Data); err != nil {
			return fmt.Errorf("parameter data update failed: %v", err)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Name returns the optimizer identifier used in checkpoints
func (sgd *SGD) Name() string {
	return "sgd"
}

// StateSnapshot exports velocities in parameter order for checkpointing
func (sgd *SGD) StateSnapshot() OptimizerSnapshot {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	snapshot := OptimizerSnapshot{
		Type: "sgd",
		LR:   sgd.learningRate,
	}

	for _, param := range sgd.parameters {
		state := map[string][]float32{}
		if velocity := sgd.velocities[param]; velocity != nil {
			data := velocity.Data.([]float32)
			state["velocity"] = append([]float32(nil), data...)
		}
		snapshot.Params = append(snapshot.Params, state)
	}

	return snapshot
}

// RestoreSnapshot loads velocities saved by StateSnapshot
func (sgd *SGD) RestoreSnapshot(snapshot OptimizerSnapshot) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	if snapshot.Type != "sgd" {
		return fmt.Errorf("snapshot type %q does not match optimizer sgd", snapshot.Type)
	}
	if len(snapshot.Params) != len(sgd.parameters) {
		return fmt.Errorf("snapshot has %d parameter states, optimizer has %d parameters", len(snapshot.Params), len(sgd.parameters))
	}

	sgd.learningRate = snapshot.LR

	for i, param := range sgd.parameters {
		data, ok := snapshot.Params[i]["velocity"]
		if !ok {
			continue
		}
		velocity, err := tensor.NewTensor(param.Shape, param.DType, append([]float32(nil), data...))
		if err != nil {
			return fmt.Errorf("velocity restore for parameter %d failed: %v", i, err)
		}
		sgd.velocities[param] = velocity
	}

	return nil
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor]*tensor.Tensor // First moment estimates
	v           map[*tensor.Tensor]*tensor.Tensor // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		step:        0,
		m:           make(map[*tensor.Tensor]*tensor.Tensor),
		v:           make(map[*tensor.Tensor]*tensor.Tensor),
	}

	// Initialize moment estimates
	for _, param := range parameters {
		if param.RequiresGrad() {
			m, _ := tensor.Zeros(param.Shape, param.DType)
			v, _ := tensor.Zeros(param.Shape, param.DType)
			adam.m[param] = m
			adam.v[param] = v
		}
	}

	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}

		grad := param.Grad()

		// Apply weight decay: grad = grad + weight_decay * param.data
		if adam.weightDecay > 0 {
			weightDecayTerm, err := tensor.Scale(param, adam.weightDecay)
			if err != nil {
				return fmt.Errorf("weight decay scaling failed: %v", err)
			}
			grad, err = tensor.Add(grad, weightDecayTerm)
			if err != nil {
				return fmt.Errorf("weight decay addition failed: %v", err)
			}
		}

		m := adam.m[param]
		v := adam.v[param]
		if m == nil || v == nil {
			mNew, err := tensor.Zeros(param.Shape, param.DType)
			if err != nil {
				return fmt.Errorf("first moment initialization failed: %v", err)
			}
			vNew, err := tensor.Zeros(param.Shape, param.DType)
			if err != nil {
				return fmt.Errorf("second moment initialization failed: %v", err)
			}
			m = mNew
			v = vNew
			adam.m[param] = m
			adam.v[param] = v
		}

		// m = beta1 * m + (1 - beta1) * grad
		beta1Term, err := tensor.Scale(m, adam.beta1)
		if err != nil {
			return fmt.Errorf("first moment beta1 term failed: %v", err)
		}

		gradTerm, err := tensor.Scale(grad, 1.0-adam.beta1)
		if err != nil {
			return fmt.Errorf("first moment grad term failed: %v", err)
		}

		newM, err := tensor.Add(beta1Term, gradTerm)
		if err != nil {
			return fmt.Errorf("first moment update failed: %v", err)
		}

		// v = beta2 * v + (1 - beta2) * grad^2
		beta2Term, err := tensor.Scale(v, adam.beta2)
		if err != nil {
			return fmt.Errorf("second moment beta2 term failed: %v", err)
		}

		gradSquared, err := tensor.Mul(grad, grad)
		if err != nil {
			return fmt.Errorf("gradient squaring failed: %v", err)
		}

		gradSquaredTerm, err := tensor.Scale(gradSquared, 1.0-adam.beta2)
		if err != nil {
			return fmt.Errorf("second moment grad squared term failed: %v", err)
		}

		newV, err := tensor.Add(beta2Term, gradSquaredTerm)
		if err != nil {
			return fmt.Errorf("second moment update failed: %v", err)
		}

		// Update moment estimates in-place
		if err := m.SetData(newM.Data); err != nil {
			return fmt.Errorf("first moment data update failed: %v", err)
		}
		if err := v.SetData(newV.Data); err != nil {
			return fmt.Errorf("second moment data update failed: %v", err)
		}

		// Bias-corrected estimates
		mHat, err := tensor.Scale(newM, 1.0/bias1)
		if err != nil {
			return fmt.Errorf("first moment bias correction failed: %v", err)
		}

		vHat, err := tensor.Scale(newV, 1.0/bias2)
		if err != nil {
			return fmt.Errorf("second moment bias correction failed: %v", err)
		}

		// Compute update: lr * m_hat / (sqrt(v_hat) + eps)
		vHatSqrt, err := tensor.Sqrt(vHat)
		if err != nil {
			return fmt.Errorf("second moment sqrt failed: %v", err)
		}

		epsTensor, err := tensor.Full(param.Shape, param.DType, adam.eps)
		if err != nil {
			return fmt.Errorf("epsilon tensor creation failed: %v", err)
		}

		denominator, err := tensor.Add(vHatSqrt, epsTensor)
		if err != nil {
			return fmt.Errorf("denominator computation failed: %v", err)
		}

		update, err := tensor.Div(mHat, denominator)
		if err != nil {
			return fmt.Errorf("update division failed: %v", err)
		}

		lrUpdate, err := tensor.Scale(update, adam.lr)
		if err != nil {
			return fmt.Errorf("learning rate scaling failed: %v", err)
		}

		// param.data = param.data - lr_update
		newData, err := tensor.Sub(param, lrUpdate)
		if err != nil {
			return fmt.Errorf("parameter update failed: %v", err)
		}

		if err := param.SetData(newData.Data); err != nil {
			return fmt.Errorf("parameter data update failed: %v", err)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// Name returns the optimizer identifier used in checkpoints
func (adam *Adam) Name() string {
	return "adam"
}

// StateSnapshot exports moment estimates in parameter order for checkpointing
func (adam *Adam) StateSnapshot() OptimizerSnapshot {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	snapshot := OptimizerSnapshot{
		Type: "adam",
		Step: adam.step,
		LR:   adam.lr,
	}

	for _, param := range adam.parameters {
		state := map[string][]float32{}
		if m := adam.m[param]; m != nil {
			state["m"] = append([]float32(nil), m.Data.([]float32)...)
		}
		if v := adam.v[param]; v != nil {
			state["v"] = append([]float32(nil), v.Data.([]float32)...)
		}
		snapshot.Params = append(snapshot.Params, state)
	}

	return snapshot
}

// RestoreSnapshot loads moment estimates saved by StateSnapshot
func (adam *Adam) RestoreSnapshot(snapshot OptimizerSnapshot) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if snapshot.Type != "adam" {
		return fmt.Errorf("snapshot type %q does not match optimizer adam", snapshot.Type)
	}
	if len(snapshot.Params) != len(adam.parameters) {
		return fmt.Errorf("snapshot has %d parameter states, optimizer has %d parameters", len(snapshot.Params), len(adam.parameters))
	}

	adam.step = snapshot.Step
	adam.lr = snapshot.LR

	for i, param := range adam.parameters {
		if data, ok := snapshot.Params[i]["m"]; ok {
			m, err := tensor.NewTensor(param.Shape, param.DType, append([]float32(nil), data...))
			if err != nil {
				return fmt.Errorf("first moment restore for parameter %d failed: %v", i, err)
			}
			adam.m[param] = m
		}
		if data, ok := snapshot.Params[i]["v"]; ok {
			v, err := tensor.NewTensor(param.Shape, param.DType, append([]float32(nil), data...))
			if err != nil {
				return fmt.Errorf("second moment restore for parameter %d failed: %v", i, err)
			}
			adam.v[param] = v
		}
	}

	return nil
}

// ClipGradNorm rescales gradients in place so their global L2 norm does
// not exceed maxNorm, returning the norm measured before clipping.
func ClipGradNorm(parameters []*tensor.Tensor, maxNorm float64) (float64, error) {
	if maxNorm <= 0 {
		return 0, fmt.Errorf("maxNorm must be positive, got %f", maxNorm)
	}

	var totalSq float64
	for _, param := range parameters {
		if param.Grad() == nil {
			continue
		}
		for _, g := range param.Grad().Data.([]float32) {
			totalSq += float64(g) * float64(g)
		}
	}

	totalNorm := math.Sqrt(totalSq)
	if totalNorm <= maxNorm {
		return totalNorm, nil
	}

	scale := float32(maxNorm / (totalNorm + 1e-6))
	for _, param := range parameters {
		if param.Grad() == nil {
			continue
		}
		data := param.Grad().Data.([]float32)
		for i := range data {
			data[i] *= scale
		}
	}

	return totalNorm, nil
}
