// Package network joins the local network and runs the provisioning portal
// on a host.
//
// A host is usually attached to its network already, so joining is modelled
// as a bounded probe: AttemptJoin dials the probe address every probe
// interval until it answers or the join timeout passes. Credentials live in
// network.yaml in the state directory.
//
// Without credentials the lifecycle opens the portal. The portal advertises
// "_palpalette-setup._tcp" over mDNS, accepts credentials on POST /save and
// also watches the state directory, so writing network.yaml by hand has the
// same effect.
package network
