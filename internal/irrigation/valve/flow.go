// Copyright 2025 Tetsuya Kimata. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package valve

// Converter maps raw ADC counts to litres per minute. The flow meter outputs
// MaxFlow L/min at 5000 mV full scale; ScaleValue is the ADC driver's count
// multiplier and Offset a subtractive zero correction.
type Converter struct {
	ScaleValue float64
	MaxFlow    float64
	Offset     float64
}

// LPM converts one raw sample. Readings below 0.01 L/min snap to zero to
// suppress ADC noise around the dead band.
func (c Converter) LPM(raw int) float64 {
	flow := float64(raw)*c.ScaleValue*c.MaxFlow/5000.0 - c.Offset
	if flow < 0.01 {
		return 0
	}
	return flow
}
