package device

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal package.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderConsole specifies that the driver provides a console and
	// should be probed before the drivers that log through it.
	DetectOrderConsole DetectOrder = -64

	// DetectOrderPlatform is used by drivers for platform devices such as
	// timers and power controllers.
	DetectOrderPlatform DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is used by device drivers to register themselves so the hal
// package can probe for their presence.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection phase the probe
	// function should be invoked.
	Order DetectOrder

	// Probe is invoked by the hal to detect the presence of the device.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds the supplied driver info to the list of registered
// drivers. Drivers typically register themselves from an init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
